package kiln

import "strings"

// Flag is one compiler or linker token. It renders as Name+Value, so
// {"-I", "/x"} is "-I/x" and {"-fno-rtti", ""} is "-fno-rtti".
type Flag struct {
	Name  string
	Value string
}

func (f Flag) String() string { return f.Name + f.Value }

// Flags is an ordered token list.
type Flags []Flag

func (fs Flags) String() string {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		if s := f.String(); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Strings renders every flag.
func (fs Flags) Strings() []string {
	out := make([]string, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.String())
	}
	return out
}

// longest first so -Wl,-wrap, wins over shorter matches
var flagPrefixes = []string{"-Wl,-wrap,", "-std=", "-I", "-L", "-l", "-D"}

// ParseFlag splits a token into a recognised prefix and its value. Tokens
// without a known prefix are kept whole in Name.
func ParseFlag(tok string) Flag {
	for _, p := range flagPrefixes {
		if strings.HasPrefix(tok, p) {
			return Flag{Name: p, Value: tok[len(p):]}
		}
	}
	return Flag{Name: tok}
}

// ParseFlags splits s on whitespace and parses each token.
func ParseFlags(s string) Flags {
	fields := strings.Fields(s)
	out := make(Flags, 0, len(fields))
	for _, tok := range fields {
		out = append(out, ParseFlag(tok))
	}
	return out
}

func Include(dir string) Flag { return Flag{Name: "-I", Value: dir} }
func Lib(name string) Flag { return Flag{Name: "-l", Value: name} }
func Define(def string) Flag { return Flag{Name: "-D", Value: def} }
func WrapSymbol(s string) Flag { return Flag{Name: "-Wl,-wrap,", Value: s} }
