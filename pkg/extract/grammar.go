package extract

import (
	"unsafe"

	golang "github.com/alexaandru/go-sitter-forest/go"
	"github.com/alexaandru/go-sitter-forest/java"
	"github.com/alexaandru/go-sitter-forest/javascript"
	"github.com/alexaandru/go-sitter-forest/python"
	"github.com/alexaandru/go-sitter-forest/ruby"
	"github.com/alexaandru/go-sitter-forest/rust"
	"github.com/alexaandru/go-sitter-forest/typescript"

	"github.com/Sumatoshi-tech/lineage/pkg/model"
)

// EntityRule describes one tree-sitter node type that becomes an entity.
type EntityRule struct {
	Kind model.EntityKind
	// NameField holds the entity name. Empty means the first identifier child.
	NameField string
	// ParamsField holds the parameter list, if any.
	ParamsField string
	// BodyField holds the body; the signature is everything before it.
	BodyField string
	// ReceiverField qualifies methods declared outside their type (Go).
	ReceiverField string
	// Container entities qualify the names of entities nested in them.
	Container bool
}

// Grammar is the per-language table driving the tree-sitter extractor.
type Grammar struct {
	Name       string
	Language   func() unsafe.Pointer
	Entities   map[string]EntityRule
	Decisions  map[string]struct{}
	Nesting    map[string]struct{}
	Calls      map[string]struct{}
	Imports    map[string]struct{}
	// BoolOps are the operators that make a binary node a decision point.
	BoolOps    map[string]struct{}
	Assigned   *AssignedRule
	Identifier map[string]struct{}
}

// AssignedRule names anonymous functions bound to a declarator, such as
// `const f = () => {}`.
type AssignedRule struct {
	Declarator string
	NameField  string
	ValueField string
	Functions  map[string]struct{}
}

func set(items ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}

	return out
}

var (
	cFamilyBoolOps = set("&&", "||")
	identifiers    = set("identifier", "type_identifier", "field_identifier",
		"property_identifier", "constant", "name", "scoped_type_identifier")
)

func function(name, params, body string) EntityRule {
	return EntityRule{Kind: model.KindFunction, NameField: name, ParamsField: params, BodyField: body}
}

func class(name, body string) EntityRule {
	return EntityRule{Kind: model.KindClass, NameField: name, BodyField: body, Container: true}
}

// Grammars returns the built-in grammar tables.
func Grammars() []*Grammar {
	jsFunctions := set("arrow_function", "function_expression", "function", "generator_function")
	jsEntities := map[string]EntityRule{
		"function_declaration":           function("name", "parameters", "body"),
		"generator_function_declaration": function("name", "parameters", "body"),
		"method_definition":              function("name", "parameters", "body"),
		"class_declaration":              class("name", "body"),
	}
	jsDecisions := set("if_statement", "for_statement", "for_in_statement", "while_statement",
		"do_statement", "switch_case", "catch_clause", "ternary_expression", "binary_expression")
	jsNesting := set("if_statement", "for_statement", "for_in_statement", "while_statement",
		"do_statement", "switch_statement", "try_statement")

	tsEntities := map[string]EntityRule{
		"interface_declaration":      class("name", "body"),
		"abstract_class_declaration": class("name", "body"),
	}
	for k, v := range jsEntities {
		tsEntities[k] = v
	}

	return []*Grammar{
		{
			Name:     "go",
			Language: golang.GetLanguage,
			Entities: map[string]EntityRule{
				"function_declaration": function("name", "parameters", "body"),
				"method_declaration": {
					Kind: model.KindFunction, NameField: "name", ParamsField: "parameters",
					BodyField: "body", ReceiverField: "receiver",
				},
				"type_spec": {Kind: model.KindClass, NameField: "name", BodyField: "type"},
			},
			Decisions: set("if_statement", "for_statement", "expression_case", "type_case",
				"communication_case", "binary_expression"),
			Nesting: set("if_statement", "for_statement", "expression_switch_statement",
				"type_switch_statement", "select_statement", "func_literal"),
			Calls:      set("call_expression"),
			Imports:    set("import_declaration"),
			BoolOps:    cFamilyBoolOps,
			Identifier: identifiers,
		},
		{
			Name:     "python",
			Language: python.GetLanguage,
			Entities: map[string]EntityRule{
				"function_definition": function("name", "parameters", "body"),
				"class_definition":    class("name", "body"),
			},
			Decisions: set("if_statement", "elif_clause", "for_statement", "while_statement",
				"except_clause", "with_statement", "boolean_operator", "conditional_expression",
				"list_comprehension", "dictionary_comprehension", "set_comprehension",
				"generator_expression"),
			Nesting: set("if_statement", "for_statement", "while_statement", "try_statement",
				"with_statement"),
			Calls:      set("call"),
			Imports:    set("import_statement", "import_from_statement"),
			Identifier: identifiers,
		},
		{
			Name:      "javascript",
			Language:  javascript.GetLanguage,
			Entities:  jsEntities,
			Decisions: jsDecisions,
			Nesting:   jsNesting,
			Calls:     set("call_expression", "new_expression"),
			Imports:   set("import_statement"),
			BoolOps:   cFamilyBoolOps,
			Assigned: &AssignedRule{
				Declarator: "variable_declarator", NameField: "name", ValueField: "value",
				Functions: jsFunctions,
			},
			Identifier: identifiers,
		},
		{
			Name:      "typescript",
			Language:  typescript.GetLanguage,
			Entities:  tsEntities,
			Decisions: jsDecisions,
			Nesting:   jsNesting,
			Calls:     set("call_expression", "new_expression"),
			Imports:   set("import_statement"),
			BoolOps:   cFamilyBoolOps,
			Assigned: &AssignedRule{
				Declarator: "variable_declarator", NameField: "name", ValueField: "value",
				Functions: jsFunctions,
			},
			Identifier: identifiers,
		},
		{
			Name:     "java",
			Language: java.GetLanguage,
			Entities: map[string]EntityRule{
				"class_declaration":       class("name", "body"),
				"interface_declaration":   class("name", "body"),
				"enum_declaration":        class("name", "body"),
				"record_declaration":      class("name", "body"),
				"method_declaration":      function("name", "parameters", "body"),
				"constructor_declaration": function("name", "parameters", "body"),
			},
			Decisions: set("if_statement", "for_statement", "enhanced_for_statement",
				"while_statement", "do_statement", "switch_block_statement_group",
				"catch_clause", "ternary_expression", "binary_expression"),
			Nesting: set("if_statement", "for_statement", "enhanced_for_statement",
				"while_statement", "do_statement", "switch_expression", "try_statement"),
			Calls:      set("method_invocation", "object_creation_expression"),
			Imports:    set("import_declaration"),
			BoolOps:    cFamilyBoolOps,
			Identifier: identifiers,
		},
		{
			Name:     "rust",
			Language: rust.GetLanguage,
			Entities: map[string]EntityRule{
				"function_item": function("name", "parameters", "body"),
				"struct_item":   {Kind: model.KindClass, NameField: "name", BodyField: "body"},
				"enum_item":     {Kind: model.KindClass, NameField: "name", BodyField: "body"},
				"trait_item":    class("name", "body"),
				"impl_item":     class("type", "body"),
			},
			Decisions: set("if_expression", "match_arm", "while_expression", "loop_expression",
				"for_expression", "binary_expression"),
			Nesting: set("if_expression", "match_expression", "while_expression",
				"loop_expression", "for_expression", "closure_expression"),
			Calls:      set("call_expression", "macro_invocation"),
			Imports:    set("use_declaration"),
			BoolOps:    cFamilyBoolOps,
			Identifier: identifiers,
		},
		{
			Name:     "ruby",
			Language: ruby.GetLanguage,
			Entities: map[string]EntityRule{
				"method":           function("name", "parameters", ""),
				"singleton_method": function("name", "parameters", ""),
				"class":            class("name", ""),
				"module":           class("name", ""),
			},
			Decisions: set("if", "elsif", "unless", "while", "until", "for", "when",
				"rescue", "conditional", "if_modifier", "unless_modifier", "binary"),
			Nesting:    set("if", "unless", "while", "until", "for", "case", "begin"),
			Calls:      set("call"),
			BoolOps:    set("&&", "||", "and", "or"),
			Identifier: identifiers,
		},
	}
}
