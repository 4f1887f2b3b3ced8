package manifest

import "strings"

// DefaultNamespace is used when neither the project namespace nor the
// project name is set.
const DefaultNamespace = "default"

// NamespaceFor derives a storage namespace from a project name.
// "MyApp" -> "my-app", "my_app" -> "my-app", "" -> "default"
func NamespaceFor(name string) string {
	if ns := ToKebabCase(name); ns != "" {
		return ns
	}
	return DefaultNamespace
}

// ToKebabCase converts a string to lower-case words joined by '-'.
// Characters that cannot appear in a storage key segment are dropped.
// "MyApp" -> "my-app", "my_app" -> "my-app", "app:v2" -> "appv2"
func ToKebabCase(s string) string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	for i, r := range s {
		switch {
		case r == '-' || r == '_' || r == ' ' || r == '.':
			flush()
			continue
		case r == ':' || r < 0x20 || r == 0x7f:
			continue
		}
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := rune(s[i-1])
			if prev >= 'a' && prev <= 'z' {
				flush()
			}
		}
		current.WriteRune(r)
	}
	flush()
	return strings.ToLower(strings.Join(words, "-"))
}
