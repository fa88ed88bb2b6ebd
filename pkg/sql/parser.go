package sql

import (
	"strconv"
	"strings"

	"github.com/jplandry908/openobserve/pkg/apierror"
	"github.com/jplandry908/openobserve/pkg/record"
)

// Parse parses one SELECT statement.
func Parse(input string) (*Query, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	q, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	if !p.at(tokEOF) {
		return nil, p.errorf("unexpected %q after statement", p.peek().text)
	}
	q.Raw = input
	return q, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token  { return p.tokens[p.pos] }
func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) at(kind tokenKind) bool { return p.peek().kind == kind }

func (p *parser) atKeyword(keyword string) bool {
	return p.at(tokIdent) && keywordEqual(p.peek().text, keyword)
}

func (p *parser) expectKeyword(keyword string) error {
	if !p.atKeyword(keyword) {
		return p.errorf("expected %s", strings.ToUpper(keyword))
	}
	p.advance()
	return nil
}

func (p *parser) expectSymbol(symbol string) error {
	if !p.at(tokSymbol) || p.peek().text != symbol {
		return p.errorf("expected %q", symbol)
	}
	p.advance()
	return nil
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return apierror.BadRequest("invalid_sql", "at position %d: "+format, append([]interface{}{p.peek().pos}, args...)...)
}

func (p *parser) parseSelect() (*Query, error) {
	if err := p.expectKeyword("select"); err != nil {
		return nil, err
	}
	q := &Query{Limit: -1}

	if p.at(tokSymbol) && p.peek().text == "*" {
		p.advance()
		q.Star = true
	} else {
		for {
			proj, err := p.parseProjection()
			if err != nil {
				return nil, err
			}
			q.Projections = append(q.Projections, proj)
			if p.at(tokSymbol) && p.peek().text == "," {
				p.advance()
				continue
			}
			break
		}
	}

	// FROM is optional on the single-stream endpoint; the URL names the
	// stream and the statement may omit it.
	if p.atKeyword("from") {
		p.advance()
		if !p.at(tokIdent) {
			return nil, p.errorf("expected stream name after FROM")
		}
		q.Stream = p.advance().text
	}

	if p.atKeyword("where") {
		p.advance()
		where, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		q.Where = where
	}

	if p.atKeyword("group") {
		p.advance()
		if err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		for {
			if !p.at(tokIdent) {
				return nil, p.errorf("expected column in GROUP BY")
			}
			q.GroupBy = append(q.GroupBy, p.advance().text)
			if p.at(tokSymbol) && p.peek().text == "," {
				p.advance()
				continue
			}
			break
		}
	}

	if p.atKeyword("order") {
		p.advance()
		if err := p.expectKeyword("by"); err != nil {
			return nil, err
		}
		for {
			if !p.at(tokIdent) {
				return nil, p.errorf("expected column in ORDER BY")
			}
			clause := OrderClause{Col: p.advance().text}
			if p.atKeyword("desc") {
				p.advance()
				clause.Desc = true
			} else if p.atKeyword("asc") {
				p.advance()
			}
			q.OrderBy = append(q.OrderBy, clause)
			if p.at(tokSymbol) && p.peek().text == "," {
				p.advance()
				continue
			}
			break
		}
	}

	if p.atKeyword("limit") {
		p.advance()
		n, err := p.parseInt()
		if err != nil {
			return nil, err
		}
		q.Limit = n
		if p.atKeyword("offset") {
			p.advance()
			m, err := p.parseInt()
			if err != nil {
				return nil, err
			}
			q.Offset = m
		}
	}
	return q, nil
}

var aggNames = map[string]AggKind{
	"count":           AggCount,
	"sum":             AggSum,
	"min":             AggMin,
	"max":             AggMax,
	"avg":             AggAvg,
	"approx_distinct": AggApproxDistinct,
}

func (p *parser) parseProjection() (Projection, error) {
	if !p.at(tokIdent) {
		return Projection{}, p.errorf("expected column or aggregate")
	}
	name := p.advance().text

	var proj Projection
	if agg, ok := aggNames[strings.ToLower(name)]; ok && p.at(tokSymbol) && p.peek().text == "(" {
		p.advance()
		proj.Agg = agg
		if p.at(tokSymbol) && p.peek().text == "*" {
			p.advance()
			proj.Star = true
			if agg != AggCount {
				return Projection{}, p.errorf("%s(*) is not supported", agg)
			}
		} else {
			if !p.at(tokIdent) {
				return Projection{}, p.errorf("expected column in %s()", agg)
			}
			proj.Col = p.advance().text
		}
		if err := p.expectSymbol(")"); err != nil {
			return Projection{}, err
		}
	} else {
		proj.Col = name
	}

	if p.atKeyword("as") {
		p.advance()
		if !p.at(tokIdent) {
			return Projection{}, p.errorf("expected alias after AS")
		}
		proj.Alias = p.advance().text
	}
	return proj, nil
}

func (p *parser) parseInt() (int, error) {
	if !p.at(tokNumber) {
		return 0, p.errorf("expected number")
	}
	n, err := strconv.Atoi(p.advance().text)
	if err != nil {
		return 0, p.errorf("invalid number: %s", err)
	}
	return n, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{left}
	for p.atKeyword("or") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, right)
	}
	if len(exprs) == 1 {
		return left, nil
	}
	return &OrExpr{Exprs: exprs}, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	exprs := []Expr{left}
	for p.atKeyword("and") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, right)
	}
	if len(exprs) == 1 {
		return left, nil
	}
	flat := make([]Expr, 0, len(exprs))
	for _, e := range exprs {
		if and, ok := e.(*AndExpr); ok {
			flat = append(flat, and.Exprs...)
			continue
		}
		flat = append(flat, e)
	}
	return &AndExpr{Exprs: flat}, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.atKeyword("not") {
		p.advance()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Expr: inner}, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (Expr, error) {
	if p.at(tokSymbol) && p.peek().text == "(" {
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	if !p.at(tokIdent) {
		return nil, p.errorf("expected column name")
	}
	col := p.advance().text

	if p.atKeyword("between") {
		p.advance()
		lo, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("and"); err != nil {
			return nil, err
		}
		hi, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &AndExpr{Exprs: []Expr{
			&Comparison{Col: col, Op: CmpGe, Values: []record.Value{lo}},
			&Comparison{Col: col, Op: CmpLe, Values: []record.Value{hi}},
		}}, nil
	}

	if p.atKeyword("in") {
		p.advance()
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		var values []record.Value
		for {
			v, err := p.parseLiteral()
			if err != nil {
				return nil, err
			}
			values = append(values, v)
			if p.at(tokSymbol) && p.peek().text == "," {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return &Comparison{Col: col, Op: CmpIn, Values: values}, nil
	}

	if !p.at(tokSymbol) {
		return nil, p.errorf("expected comparison operator")
	}
	var op CmpOp
	switch p.advance().text {
	case "=":
		op = CmpEq
	case "!=", "<>":
		op = CmpNe
	case "<":
		op = CmpLt
	case "<=":
		op = CmpLe
	case ">":
		op = CmpGt
	case ">=":
		op = CmpGe
	default:
		return nil, p.errorf("unsupported operator")
	}
	v, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}
	return &Comparison{Col: col, Op: op, Values: []record.Value{v}}, nil
}

func (p *parser) parseLiteral() (record.Value, error) {
	tok := p.peek()
	switch tok.kind {
	case tokString:
		p.advance()
		return record.String(tok.text), nil
	case tokNumber:
		p.advance()
		if i, err := strconv.ParseInt(tok.text, 10, 64); err == nil {
			return record.Int64(i), nil
		}
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return record.Value{}, p.errorf("invalid number literal %q", tok.text)
		}
		return record.Float64(f), nil
	case tokIdent:
		switch strings.ToLower(tok.text) {
		case "true":
			p.advance()
			return record.Bool(true), nil
		case "false":
			p.advance()
			return record.Bool(false), nil
		case "null":
			p.advance()
			return record.Null(), nil
		}
	}
	return record.Value{}, p.errorf("expected literal")
}
