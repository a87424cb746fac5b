package imageref

import "testing"

func TestForContainer(t *testing.T) {
	tests := []struct {
		registry  string
		survey    string
		container string
		expected  string
		expectErr bool
	}{
		{registry: "registry:5000", survey: "project-a", container: "web", expected: "registry:5000/project-a-web:latest"},
		{registry: "", survey: "project-a", container: "Sim", expected: "registry:5000/project-a-sim:latest"},
		{registry: "quay.io/org/", survey: "project-a", container: "web", expected: "quay.io/org/project-a-web:latest"},
		{registry: "registry:5000", survey: "project-a", container: "bad name", expectErr: true},
	}

	for _, tc := range tests {
		got, err := ForContainer(tc.registry, tc.survey, tc.container)
		if tc.expectErr {
			if err == nil {
				t.Errorf("%s/%s: expected error, got %q", tc.survey, tc.container, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s/%s: unexpected error: %v", tc.survey, tc.container, err)
			continue
		}
		if got != tc.expected {
			t.Errorf("%s/%s: expected %q, got %q", tc.survey, tc.container, tc.expected, got)
		}
	}
}
