package manifest

import "testing"

func TestToKebabCase(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"models", "models"},
		{"my-app", "my-app"},
		{"my_app", "my-app"},
		{"myApp", "my-app"},
		{"MyApp", "my-app"},
		{"UPPER", "upper"},
		{"", ""},
		{"already-PascalCase", "already-pascal-case"},
		{"_leading", "leading"},
		{"app:v2", "appv2"},
		{"my app.v1", "my-app-v1"},
	}

	for _, tc := range tests {
		got := ToKebabCase(tc.input)
		if got != tc.want {
			t.Errorf("ToKebabCase(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestNamespaceFor(t *testing.T) {
	if got := NamespaceFor(""); got != DefaultNamespace {
		t.Errorf("NamespaceFor(\"\") = %q, want %q", got, DefaultNamespace)
	}
	if got := NamespaceFor(":::"); got != DefaultNamespace {
		t.Errorf("NamespaceFor(\":::\") = %q, want %q", got, DefaultNamespace)
	}
	if got := NamespaceFor("TodoList"); got != "todo-list" {
		t.Errorf("NamespaceFor(TodoList) = %q, want todo-list", got)
	}
}
