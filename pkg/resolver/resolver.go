// Package resolver enumerates candidate target paths for import
// specifiers.
//
// The resolver is deterministic and side-effect-free: it never touches
// disk. It only computes, in order, the paths a specifier could denote —
// extension inference first, then index-file fallbacks. Existence checks
// belong to the analyzer, which probes the candidates through an injected
// capability and records the full attempt list in any resulting
// missing-link diagnostic.
package resolver

import (
	"path"
	"strings"
)

// Kind classifies an import specifier.
type Kind string

const (
	KindRelative Kind = "relative"
	KindAbsolute Kind = "absolute"
	KindLibrary  Kind = "library"
	KindBuiltin  Kind = "builtin"
)

// knownExtensions are the extensions the resolver recognizes and infers,
// in default preference order.
var knownExtensions = []string{
	".tsx", ".ts", ".jsx", ".js", ".d.ts", ".py", ".java", ".go", ".md",
}

// languageExtensions seeds the inference order with the importing file's
// language so sibling files are tried first.
var languageExtensions = map[string][]string{
	"typescript": {".tsx", ".ts", ".d.ts", ".jsx", ".js"},
	"javascript": {".jsx", ".js", ".tsx", ".ts", ".d.ts"},
	"python":     {".py"},
	"java":       {".java"},
	"go":         {".go"},
	"markdown":   {".md"},
}

// nodeBuiltins are specifiers that name a runtime module rather than an
// installed package.
var nodeBuiltins = map[string]struct{}{
	"assert": {}, "buffer": {}, "child_process": {}, "crypto": {},
	"events": {}, "fs": {}, "http": {}, "https": {}, "net": {},
	"os": {}, "path": {}, "process": {}, "stream": {}, "url": {},
	"util": {}, "zlib": {},
}

// Request is one resolution question: which paths could this specifier
// denote, imported from this file?
type Request struct {
	// SourceFile is the importing file, project-root relative.
	SourceFile string
	// Specifier is the import string as written.
	Specifier string
	// Kind classifies the specifier; Classify derives it when unset.
	Kind Kind
	// Language of the importing file, seeding extension preference.
	Language string
}

// Resolution lists the candidate paths in probe order. For library and
// builtin specifiers Candidates is empty and Library carries the bare
// name.
type Resolution struct {
	Kind       Kind
	Library    string
	Candidates []string
}

// Classify determines the specifier kind: explicit relative ("./", "../"),
// absolute ("/..."), a known runtime builtin, or an installed library.
func Classify(specifier string) Kind {
	specifier = strings.ReplaceAll(specifier, `\`, "/")
	switch {
	case strings.HasPrefix(specifier, "./"), strings.HasPrefix(specifier, "../"),
		specifier == ".", specifier == "..":
		return KindRelative
	case strings.HasPrefix(specifier, "/"):
		return KindAbsolute
	case strings.HasPrefix(specifier, "node:"):
		return KindBuiltin
	default:
		if _, ok := nodeBuiltins[specifier]; ok {
			return KindBuiltin
		}
		return KindLibrary
	}
}

// Resolve computes the resolution for a request.
//
// Candidate order:
//  1. If the specifier already carries a recognized extension, that single
//     path is the only candidate.
//  2. Otherwise each preferred extension is appended, seeded by the
//     importing file's language.
//  3. Then "/index.<ext>" fallbacks, one per candidate extension.
func Resolve(req Request) Resolution {
	kind := req.Kind
	if kind == "" {
		kind = Classify(req.Specifier)
	}

	switch kind {
	case KindLibrary:
		return Resolution{Kind: kind, Library: req.Specifier}
	case KindBuiltin:
		return Resolution{Kind: kind, Library: strings.TrimPrefix(req.Specifier, "node:")}
	}

	base := targetPath(req.SourceFile, req.Specifier, kind)
	if hasKnownExtension(base) {
		return Resolution{Kind: kind, Candidates: []string{base}}
	}

	exts := extensionOrder(req.Language)
	candidates := make([]string, 0, 2*len(exts))
	for _, ext := range exts {
		candidates = append(candidates, base+ext)
	}
	for _, ext := range exts {
		candidates = append(candidates, base+"/index"+ext)
	}
	return Resolution{Kind: kind, Candidates: candidates}
}

// targetPath joins the specifier against the importing file's directory
// (relative) or against the project root (absolute), normalized to
// forward slashes with no leading "./".
func targetPath(sourceFile, specifier string, kind Kind) string {
	spec := strings.ReplaceAll(specifier, `\`, "/")
	if kind == KindAbsolute {
		return strings.TrimPrefix(path.Clean(spec), "/")
	}
	dir := path.Dir(strings.ReplaceAll(sourceFile, `\`, "/"))
	joined := path.Join(dir, spec)
	return strings.TrimPrefix(joined, "./")
}

func hasKnownExtension(p string) bool {
	for _, ext := range knownExtensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}

// extensionOrder returns every known extension, with the importing
// language's preferred ones moved to the front.
func extensionOrder(language string) []string {
	preferred := languageExtensions[strings.ToLower(language)]
	if len(preferred) == 0 {
		return knownExtensions
	}

	seen := make(map[string]struct{}, len(preferred))
	out := make([]string, 0, len(knownExtensions))
	for _, ext := range preferred {
		seen[ext] = struct{}{}
		out = append(out, ext)
	}
	for _, ext := range knownExtensions {
		if _, dup := seen[ext]; !dup {
			out = append(out, ext)
		}
	}
	return out
}
