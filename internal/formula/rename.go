package formula

// RenameVariable returns a copy of the formula in which every rule that
// references from now references to. The rule's id slot changes with its
// field. The receiver is not modified.
func (f *Formula) RenameVariable(from, to string) *Formula {
	if f == nil {
		return nil
	}
	if f.Root == nil {
		return Invalidated()
	}
	return &Formula{Root: mapRules(f.Root, func(r *Rule) *Rule {
		if r.Field != from {
			return r
		}
		out := *r
		out.Field = to
		if r.ID == from {
			out.ID = to
		}
		return &out
	})}
}

// Clone returns a deep copy of the formula.
func (f *Formula) Clone() *Formula {
	if f == nil {
		return nil
	}
	if f.Root == nil {
		return Invalidated()
	}
	return &Formula{Root: mapRules(f.Root, func(r *Rule) *Rule { return r })}
}

// mapRules rebuilds the tree, copying every group and applying fn to every
// rule. Rules returned unchanged by fn are copied too.
func mapRules(n Node, fn func(*Rule) *Rule) Node {
	switch node := n.(type) {
	case *Group:
		out := &Group{Condition: node.Condition, Not: node.Not}
		out.Rules = make([]Node, len(node.Rules))
		for i, c := range node.Rules {
			out.Rules[i] = mapRules(c, fn)
		}
		return out
	case *Rule:
		mapped := fn(node)
		cp := *mapped
		return &cp
	}
	return n
}
