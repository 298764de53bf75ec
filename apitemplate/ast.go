package apitemplate

// node is one element of a parsed template. The parser never retains the
// source text pointer beyond parse time; every node carries the byte
// offset of its opening tag for error reporting.
type node interface {
	offset() int
}

type textNode struct {
	off  int
	text string
}

func (n *textNode) offset() int { return n.off }

// exprNode is a bare {{...}} expression: either a context path or a
// helper call, distinguished at eval time by whether it is a single token
// with a recognised path root; anything else is looked up as a helper.
type exprNode struct {
	off  int
	expr string
}

func (n *exprNode) offset() int { return n.off }

type eachNode struct {
	off       int
	itemsExpr string
	body      []node
}

func (n *eachNode) offset() int { return n.off }

type ifNode struct {
	off       int
	condExpr  string
	then      []node
	otherwise []node
}

func (n *ifNode) offset() int { return n.off }
