package merge

import (
	_ "embed"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/ontask/dataengine/internal/errs"
)

//go:embed descriptor.cue
var descriptorSchema string

// LoadDescriptor reads a descriptor written in CUE or JSON and checks it
// against the #Descriptor definition. Unknown fields, a missing key and an
// unknown join kind are all InvalidValue errors carrying the CUE position.
func LoadDescriptor(filename string, data []byte) (Descriptor, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(descriptorSchema, cue.Filename("descriptor.cue"))
	if err := schema.Err(); err != nil {
		return Descriptor{}, errs.Wrap(errs.InvalidValue, err, "descriptor schema")
	}
	def := schema.LookupPath(cue.ParsePath("#Descriptor"))

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Descriptor{}, cueError(err, "descriptor %s does not parse", filename)
	}
	v = def.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Descriptor{}, cueError(err, "descriptor %s is invalid", filename)
	}

	var d Descriptor
	if err := v.Decode(&d); err != nil {
		return Descriptor{}, cueError(err, "descriptor %s cannot be decoded", filename)
	}
	return d, nil
}

func cueError(err error, format string, args ...any) error {
	e := errs.Wrap(errs.InvalidValue, err, format, args...)
	if details := strings.TrimSpace(cueerrors.Details(err, nil)); details != "" {
		e.Details = map[string]string{"cue": details}
	}
	return e
}
