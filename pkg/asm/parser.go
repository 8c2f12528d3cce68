// Package asm provides the bytevm assembler and disassembler.
//
// Source is line oriented; every line holds at most one directive or
// instruction, and ';' starts a comment:
//
//	.data 16
//	mov a, 42
//	mov [a - 8], 2.5
//	nop
//
// The grammar is defined as Go structs with Participle tags.
package asm

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// File is the top-level AST node.
type File struct {
	Lines []*Line `parser:"@@*"`
}

// Line is an optional statement terminated by a newline.
type Line struct {
	Pos       lexer.Position
	Statement *Statement `parser:"@@? EOL"`
}

// Statement is either a directive or an instruction.
type Statement struct {
	Directive   *Directive   `parser:"  @@"`
	Instruction *Instruction `parser:"| @@"`
}

// Directive: .name arg, arg ...
type Directive struct {
	Pos  lexer.Position
	Name string    `parser:"@Directive"`
	Args []*Number `parser:"( @@ ( \",\" @@ )* )?"`
}

// Instruction: mnemonic operand, operand ...
type Instruction struct {
	Pos      lexer.Position
	Mnemonic string     `parser:"@Ident"`
	Operands []*Operand `parser:"( @@ ( \",\" @@ )* )?"`
}

// Operand: memory reference, number or register name.
type Operand struct {
	Pos      lexer.Position
	Mem      *MemRef `parser:"  @@"`
	Number   *Number `parser:"| @@"`
	Register string  `parser:"| @Ident"`
}

// MemRef: [base], [base + n], [base - n]
type MemRef struct {
	Base string        `parser:"\"[\" @Ident"`
	Disp *Displacement `parser:"@@? \"]\""`
}

// Displacement is the signed offset of a memory reference.
type Displacement struct {
	Sign  string `parser:"@(\"+\" | \"-\")"`
	Value string `parser:"@Int"`
}

// Number is an optionally signed integer or float literal.
type Number struct {
	Sign    string   `parser:"@(\"-\" | \"+\")?"`
	Literal *Literal `parser:"@@"`
}

// Literal keeps the token text; conversion happens during assembly so
// range errors carry a position.
type Literal struct {
	Float string `parser:"  @Float"`
	Int   string `parser:"| @Int"`
}

var asmLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `;[^\n]*`},
	{Name: "Whitespace", Pattern: `[ \t\r]+`},
	{Name: "EOL", Pattern: `\n`},

	{Name: "Directive", Pattern: `\.[a-zA-Z]+`},
	{Name: "Float", Pattern: `\d+\.\d*([eE][-+]?\d+)?|\d+[eE][-+]?\d+|Inf|NaN`},
	{Name: "Int", Pattern: `0[xX][0-9a-fA-F]+|\d+`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Punct", Pattern: `[,\[\]+\-]`},
})

// Parser is the assembly parser.
var Parser = participle.MustBuild[File](
	participle.Lexer(asmLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.UseLookahead(2),
)

// Parse parses assembly source into a File. A trailing newline is not
// required.
func Parse(filename, source string) (*File, error) {
	return Parser.ParseString(filename, source+"\n")
}
