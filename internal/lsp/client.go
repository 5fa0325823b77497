// Package lsp declares the language-server collaborator contract the HTTP
// server's symbol-search handler depends on. A real LSP client (spawning
// language servers over stdio JSON-RPC, as the teacher's original
// implementation did) is out of scope for this module: only the interface
// and a Disabled stand-in are kept, so the handler degrades to an empty
// result set instead of reaching for a client that was never wired up.
package lsp

import "context"

// SymbolKind mirrors the subset of the LSP specification's symbol kind enum
// (https://microsoft.github.io/language-server-protocol/specifications/lsp/3.17/specification/#symbolKind)
// that workspace-symbol search filters results down to.
type SymbolKind int

const (
	SymbolKindClass     SymbolKind = 5
	SymbolKindMethod    SymbolKind = 6
	SymbolKindEnum      SymbolKind = 10
	SymbolKindInterface SymbolKind = 11
	SymbolKindFunction  SymbolKind = 12
	SymbolKindVariable  SymbolKind = 13
	SymbolKindConstant  SymbolKind = 14
	SymbolKindStruct    SymbolKind = 23
)

// Position is a zero-indexed line/character location in a text document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range spans two Positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location points at a Range inside a file, identified by URI.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// Symbol is one result from a workspace/symbol query.
type Symbol struct {
	Name          string     `json:"name"`
	Kind          SymbolKind `json:"kind"`
	Location      Location   `json:"location"`
	ContainerName string     `json:"containerName,omitempty"`
}

// Client is the collaborator contract for workspace symbol search. Real
// implementations would proxy to one or more running language servers.
type Client interface {
	IsDisabled() bool
	WorkspaceSymbol(ctx context.Context, query string) ([]Symbol, error)
}

// Disabled is the Client used wherever no language server has been wired
// up; every call reports itself unavailable.
type Disabled struct{}

func (Disabled) IsDisabled() bool { return true }

func (Disabled) WorkspaceSymbol(ctx context.Context, query string) ([]Symbol, error) {
	return nil, nil
}
