package extract

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	sitter "github.com/alexaandru/go-tree-sitter-bare"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
	"github.com/Sumatoshi-tech/lineage/pkg/safeconv"
)

// Tree-sitter extraction errors.
var (
	ErrSyntax     = errors.New("syntax error")
	errNoRootNode = errors.New("tree-sitter: no root node")
	errPoolType   = errors.New("tree-sitter: unexpected parser pool type")
)

// ctxCheckInterval is how many nodes are visited between context checks.
const ctxCheckInterval = 512

var binaryNodes = set("binary_expression", "binary")

// TreeSitter extracts entities using a Grammar table.
type TreeSitter struct {
	grammar *Grammar
	pool    sync.Pool
}

// NewTreeSitter builds an extractor for the grammar.
func NewTreeSitter(grammar *Grammar) *TreeSitter {
	lang := sitter.NewLanguage(grammar.Language())

	ts := &TreeSitter{grammar: grammar}
	ts.pool = sync.Pool{
		New: func() any {
			tsParser := sitter.NewParser()
			tsParser.SetLanguage(lang)

			return tsParser
		},
	}

	return ts
}

// Language returns the grammar name.
func (ts *TreeSitter) Language() string {
	return ts.grammar.Name
}

// Extract parses content and returns its file, module, class and function
// entities. A tree containing ERROR or MISSING nodes yields ErrSyntax.
func (ts *TreeSitter) Extract(ctx context.Context, filePath string, content []byte) ([]model.Entity, error) {
	tsParser, ok := ts.pool.Get().(*sitter.Parser)
	if !ok {
		return nil, errPoolType
	}

	defer ts.pool.Put(tsParser)

	tree, err := tsParser.ParseString(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter: parse %s: %w", filePath, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.IsNull() {
		return nil, errNoRootNode
	}

	// Recovered parses can hold only MISSING tokens, which are not named
	// nodes and never reach visit.
	if root.HasError() {
		return nil, fmt.Errorf("%w in %s", ErrSyntax, filePath)
	}

	sc := &scan{ctx: ctx, g: ts.grammar, content: content}

	scanErr := sc.visit(root, nil)
	if scanErr != nil {
		return nil, scanErr
	}

	if sc.hasError {
		return nil, fmt.Errorf("%w in %s", ErrSyntax, filePath)
	}

	return sc.build(root, filePath)
}

type pending struct {
	node      sitter.Node
	rule      EntityRule
	name      string
	qualified string
}

type scan struct {
	ctx      context.Context
	g        *Grammar
	content  []byte
	comments []byteRange
	imports  []sitter.Node
	entities []pending
	hasError bool
	visited  int
}

func (s *scan) visit(n sitter.Node, scope []string) error {
	s.visited++
	if s.visited%ctxCheckInterval == 0 {
		if err := s.ctx.Err(); err != nil {
			return err
		}
	}

	nodeType := n.Type()

	switch {
	case nodeType == "ERROR" || n.IsMissing():
		s.hasError = true
	case strings.Contains(nodeType, "comment"):
		s.comments = append(s.comments, byteRange{start: n.StartByte(), end: n.EndByte()})

		return nil
	}

	if _, ok := s.g.Imports[nodeType]; ok {
		s.imports = append(s.imports, n)
	}

	childScope := scope

	if rule, ok := s.g.Entities[nodeType]; ok {
		if name := s.nameOf(n, rule.NameField); name != "" {
			qualified := append(append([]string{}, scope...), s.receiverOf(n, rule)...)
			qualified = append(qualified, name)

			s.entities = append(s.entities, pending{
				node: n, rule: rule, name: name, qualified: strings.Join(qualified, "."),
			})

			if rule.Container {
				childScope = append(append([]string{}, scope...), name)
			}
		}
	}

	if a := s.g.Assigned; a != nil && nodeType == a.Declarator {
		s.visitAssigned(n, scope, a)
	}

	for idx := range n.NamedChildCount() {
		if err := s.visit(n.NamedChild(idx), childScope); err != nil {
			return err
		}
	}

	return nil
}

func (s *scan) visitAssigned(n sitter.Node, scope []string, a *AssignedRule) {
	value := n.ChildByFieldName(a.ValueField)
	if value.IsNull() {
		return
	}

	if _, ok := a.Functions[value.Type()]; !ok {
		return
	}

	name := s.nameOf(n, a.NameField)
	if name == "" {
		return
	}

	s.entities = append(s.entities, pending{
		node:      value,
		rule:      function("", "parameters", "body"),
		name:      name,
		qualified: strings.Join(append(append([]string{}, scope...), name), "."),
	})
}

func (s *scan) text(n sitter.Node) string {
	return string(s.content[n.StartByte():n.EndByte()])
}

// nameOf returns the identifier text of field, or of the first identifier
// child when field is empty.
func (s *scan) nameOf(n sitter.Node, field string) string {
	if field != "" {
		target := n.ChildByFieldName(field)
		if target.IsNull() {
			return ""
		}

		if _, ok := s.g.Identifier[target.Type()]; ok {
			return s.text(target)
		}

		if ident := s.firstIdentifier(target); ident != "" {
			return ident
		}

		return strings.Join(strings.Fields(s.text(target)), "")
	}

	for idx := range n.NamedChildCount() {
		child := n.NamedChild(idx)
		if _, ok := s.g.Identifier[child.Type()]; ok {
			return s.text(child)
		}
	}

	return ""
}

func (s *scan) firstIdentifier(n sitter.Node) string {
	for idx := range n.NamedChildCount() {
		child := n.NamedChild(idx)
		if _, ok := s.g.Identifier[child.Type()]; ok {
			return s.text(child)
		}

		if ident := s.firstIdentifier(child); ident != "" {
			return ident
		}
	}

	return ""
}

// receiverOf returns the receiver type of a method declared outside its
// type, such as Go's `func (s *Server) Run()`.
func (s *scan) receiverOf(n sitter.Node, rule EntityRule) []string {
	if rule.ReceiverField == "" {
		return nil
	}

	recv := n.ChildByFieldName(rule.ReceiverField)
	if recv.IsNull() {
		return nil
	}

	if typeName := findType(recv, s); typeName != "" {
		return []string{typeName}
	}

	return nil
}

func findType(n sitter.Node, s *scan) string {
	for idx := range n.NamedChildCount() {
		child := n.NamedChild(idx)
		if child.Type() == "type_identifier" {
			return s.text(child)
		}

		if found := findType(child, s); found != "" {
			return found
		}
	}

	return ""
}

func line(point sitter.Point) int {
	return safeconv.MustUintToInt(point.Row) + 1
}

func (s *scan) build(root sitter.Node, filePath string) ([]model.Entity, error) {
	out := make([]model.Entity, 0, len(s.entities)+2) //nolint:mnd // file + module

	fileBody := normalizeRange(s.content, 0, uint(len(s.content)), s.comments)
	fileMetrics := model.Metrics{Lines: CountLines(fileBody)}
	s.measure(root, 0, &fileMetrics)

	fileFP := Fingerprint(fileBody)
	out = append(out, model.Entity{
		Path:               filePath,
		Name:               path.Base(filePath),
		QualifiedName:      filePath,
		Kind:               model.KindFile,
		Language:           s.g.Name,
		BodyFingerprint:    fileFP,
		ContentFingerprint: fileFP,
		Span:               model.Span{StartLine: 1, EndLine: max(1, line(root.EndPoint()))},
		Metrics:            fileMetrics,
		Body:               fileBody,
	})

	if module, ok := s.module(filePath); ok {
		out = append(out, module)
	}

	seen := make(map[string]int, len(s.entities))

	for _, p := range s.entities {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}

		entity := s.entity(filePath, p)

		key := string(entity.Kind) + "\x00" + entity.QualifiedName
		seen[key]++

		if n := seen[key]; n > 1 {
			entity.QualifiedName += "#" + strconv.Itoa(n)
		}

		out = append(out, entity)
	}

	return out, nil
}

// module folds the import declarations into one entity whose body is the
// sorted import list, so dependency changes surface as module edits.
func (s *scan) module(filePath string) (model.Entity, bool) {
	if len(s.imports) == 0 {
		return model.Entity{}, false
	}

	var lines []string

	for _, n := range s.imports {
		for _, l := range strings.Split(normalizeRange(s.content, n.StartByte(), n.EndByte(), s.comments), "\n") {
			if l != "" {
				lines = append(lines, l)
			}
		}
	}

	lines = sortedUnique(lines)
	body := strings.Join(lines, "\n")
	fp := Fingerprint(body)

	return model.Entity{
		Path:               filePath,
		Name:               "imports",
		QualifiedName:      "imports",
		Kind:               model.KindModule,
		Language:           s.g.Name,
		BodyFingerprint:    fp,
		ContentFingerprint: fp,
		Span: model.Span{
			StartLine: line(s.imports[0].StartPoint()),
			EndLine:   line(s.imports[len(s.imports)-1].EndPoint()),
		},
		Metrics: model.Metrics{Lines: len(lines)},
		Body:    body,
	}, true
}

func (s *scan) entity(filePath string, p pending) model.Entity {
	n := p.node
	start, end := n.StartByte(), n.EndByte()
	bodyStart := end

	if p.rule.BodyField != "" {
		if body := n.ChildByFieldName(p.rule.BodyField); !body.IsNull() {
			bodyStart = body.StartByte()
		}
	} else if nl := strings.IndexByte(s.text(n), '\n'); nl >= 0 {
		bodyStart = start + uint(nl)
	}

	signature := normalizeRange(s.content, start, bodyStart, s.comments)
	body := normalizeRange(s.content, bodyStart, end, s.comments)
	whole := normalizeRange(s.content, start, end, s.comments)

	metrics := model.Metrics{Lines: CountLines(whole)}
	s.measure(n, 0, &metrics)

	if p.rule.ParamsField != "" {
		if params := n.ChildByFieldName(p.rule.ParamsField); !params.IsNull() {
			for idx := range params.NamedChildCount() {
				if !strings.Contains(params.NamedChild(idx).Type(), "comment") {
					metrics.Params++
				}
			}
		}
	}

	return model.Entity{
		Path:                 filePath,
		Name:                 p.name,
		QualifiedName:        p.qualified,
		Kind:                 p.rule.Kind,
		Language:             s.g.Name,
		Signature:            signature,
		SignatureFingerprint: Fingerprint(signature),
		BodyFingerprint:      Fingerprint(body),
		ContentFingerprint:   Fingerprint(whole),
		Span:                 model.Span{StartLine: line(n.StartPoint()), EndLine: line(n.EndPoint())},
		Metrics:              metrics,
		Body:                 body,
	}
}

// measure accumulates decision points, call sites and nesting depth.
func (s *scan) measure(n sitter.Node, depth int, m *model.Metrics) {
	nodeType := n.Type()
	if strings.Contains(nodeType, "comment") {
		return
	}

	if _, ok := s.g.Decisions[nodeType]; ok && s.isDecision(n, nodeType) {
		m.Decisions++
	}

	if _, ok := s.g.Nesting[nodeType]; ok {
		depth++
		m.MaxDepth = max(m.MaxDepth, depth)
	}

	if _, ok := s.g.Calls[nodeType]; ok {
		m.Calls++
	}

	for idx := range n.NamedChildCount() {
		s.measure(n.NamedChild(idx), depth, m)
	}
}

func (s *scan) isDecision(n sitter.Node, nodeType string) bool {
	if _, binary := binaryNodes[nodeType]; !binary {
		return true
	}

	op := n.ChildByFieldName("operator")
	if op.IsNull() {
		return false
	}

	_, ok := s.g.BoolOps[op.Type()]

	return ok
}

func sortedUnique(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))

	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}

		seen[item] = struct{}{}
		out = append(out, item)
	}

	sort.Strings(out)

	return out
}
