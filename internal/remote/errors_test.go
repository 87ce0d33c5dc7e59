package remote

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"network", NewError(KindNetwork, "list", "", io.EOF), KindNetwork},
		{"not found", NewError(KindNotFound, "get", "app1", nil), KindNotFound},
		{"auth wrapped", fmt.Errorf("deploy: %w", NewError(KindAuthentication, "create", "app1", nil)), KindAuthentication},
		{"validation", Errorf(KindValidation, "validate", "x", "bad %d", 1), KindValidation},
		{"conflict", NewError(KindConflict, "tag", "app1", nil), KindConflict},
		{"timeout", NewError(KindTimeout, "wait", "app1", nil), KindTimeout},
		{"plain", errors.New("boom"), 0},
		{"nil", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf = %v, want %v", got, tt.kind)
			}
			if IsNotFound(tt.err) != (tt.kind == KindNotFound) {
				t.Errorf("IsNotFound mismatch")
			}
			if IsAuthentication(tt.err) != (tt.kind == KindAuthentication) {
				t.Errorf("IsAuthentication mismatch")
			}
		})
	}
}

func TestErrorPreservesCause(t *testing.T) {
	err := NewError(KindNetwork, "list workloads", "", io.ErrUnexpectedEOF)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("cause lost through Unwrap")
	}
	msg := err.Error()
	for _, want := range []string{"list workloads", "network", io.ErrUnexpectedEOF.Error()} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestValidateDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{"valid", Descriptor{Name: "app1", Instances: 1, MemoryMB: 256}, false},
		{"empty name", Descriptor{Name: ""}, true},
		{"mixed case", Descriptor{Name: "mysqlTestService"}, false},
		{"space", Descriptor{Name: "app 1"}, true},
		{"negative instances", Descriptor{Name: "app1", Instances: -1}, true},
		{"negative memory", Descriptor{Name: "app1", MemoryMB: -5}, true},
		{"bad env", Descriptor{Name: "app1", Env: map[string]string{"A=B": "x"}}, true},
		{"bad resource", Descriptor{Name: "app1", Resources: []string{"-bad"}}, true},
		{"bad port", Descriptor{Name: "app1", Ports: []int{70000}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDescriptor(tt.desc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateDescriptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("expected validation kind, got %v", err)
			}
		})
	}
}

func TestEnvPrefix(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"mysql", "MYSQL_"},
		{"mysqlTestService", "MYSQL_TEST_SERVICE_"},
		{"my-db", "MY_DB_"},
		{"redis2", "REDIS2_"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := EnvPrefix(tt.input); got != tt.want {
				t.Errorf("EnvPrefix(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestWorkloadCloneIsDeep(t *testing.T) {
	w := Workload{Name: "a", Env: map[string]string{"K": "V"}, Resources: []string{"db"}}
	c := w.Clone()
	c.Env["K"] = "changed"
	c.Resources[0] = "other"
	if w.Env["K"] != "V" || w.Resources[0] != "db" {
		t.Fatal("Clone shares memory with the original")
	}
}
