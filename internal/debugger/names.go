package debugger

import (
	"slices"
	"strings"

	"github.com/ctagard/adbg/internal/jdwp"
)

// signatureToName turns "Lcom/example/Foo$1;" into "com.example.Foo$1".
// Array and primitive signatures are returned unchanged.
func signatureToName(sig string) string {
	if len(sig) < 2 || sig[0] != 'L' || sig[len(sig)-1] != ';' {
		return sig
	}
	return strings.ReplaceAll(sig[1:len(sig)-1], "/", ".")
}

// nameToSignature is the inverse of signatureToName. A name that already
// looks like a signature is returned as is.
func nameToSignature(name string) string {
	if strings.HasPrefix(name, "[") || (strings.HasPrefix(name, "L") && strings.HasSuffix(name, ";")) {
		return name
	}
	return "L" + strings.ReplaceAll(name, ".", "/") + ";"
}

// classPattern is the ClassPrepare filter covering typeName: its package, or
// the name itself for the default package.
func classPattern(typeName string) string {
	if i := strings.LastIndexByte(typeName, '.'); i >= 0 {
		return typeName[:i] + ".*"
	}
	return typeName + "*"
}

// matchesType reports whether class can hold code for a breakpoint set on
// typeName: the type itself or one of its nested and anonymous types.
func matchesType(typeName, class string) bool {
	return class == typeName || strings.HasPrefix(class, typeName+"$")
}

func sortClasses(cs []jdwp.ClassInfo) {
	slices.SortFunc(cs, func(a, b jdwp.ClassInfo) int {
		return strings.Compare(signatureToName(a.Signature), signatureToName(b.Signature))
	})
}
