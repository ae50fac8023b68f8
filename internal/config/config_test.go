package config

import (
	"strings"
	"testing"

	"github.com/23skdu/longbow-phalanx/internal/runtime"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ContextLen != 2048 {
		t.Errorf("expected ContextLen 2048, got %d", cfg.ContextLen)
	}
	if cfg.Eps != 1e-5 {
		t.Errorf("expected Eps 1e-5, got %v", cfg.Eps)
	}
	if cfg.RopeTheta != 10000.0 {
		t.Errorf("expected RopeTheta 10000.0, got %v", cfg.RopeTheta)
	}
	if cfg.DTypeMat != runtime.F16 {
		t.Errorf("expected DTypeMat f16, got %s", cfg.DTypeMat)
	}
}

func TestTinyIsValid(t *testing.T) {
	cfg := Tiny()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Tiny() should validate: %v", err)
	}
	if cfg.KVDim() != 32 {
		t.Errorf("expected KVDim 32, got %d", cfg.KVDim())
	}
	if cfg.QKVDim() != 128 {
		t.Errorf("expected QKVDim 128, got %d", cfg.QKVDim())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Meta)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Meta) {}},
		{name: "invalid dim", mutate: func(m *Meta) { m.Dim = 0 }, wantErr: "invalid dim"},
		{name: "invalid layers", mutate: func(m *Meta) { m.Layers = 0 }, wantErr: "invalid layers"},
		{name: "invalid heads", mutate: func(m *Meta) { m.Heads = 0 }, wantErr: "invalid heads"},
		{name: "kv heads above heads", mutate: func(m *Meta) { m.KVHeads = 8 }, wantErr: "invalid kv_heads"},
		{name: "kv heads not dividing heads", mutate: func(m *Meta) { m.KVHeads = 3 }, wantErr: "invalid kv_heads"},
		{name: "odd head dim", mutate: func(m *Meta) { m.HeadDim = 15; m.Dim = 60 }, wantErr: "invalid head_dim"},
		{name: "head width independent of dim", mutate: func(m *Meta) { m.Dim = 48 }},
		{name: "invalid hidden dim", mutate: func(m *Meta) { m.HiddenDim = -1 }, wantErr: "invalid hidden_dim"},
		{name: "invalid context", mutate: func(m *Meta) { m.ContextLen = 0 }, wantErr: "invalid context_len"},
		{name: "invalid vocab", mutate: func(m *Meta) { m.VocabSize = 0 }, wantErr: "invalid vocab_size"},
		{name: "invalid eps", mutate: func(m *Meta) { m.Eps = 0 }, wantErr: "invalid eps"},
		{name: "invalid rope theta", mutate: func(m *Meta) { m.RopeTheta = -1 }, wantErr: "invalid rope_theta"},
		{name: "integer matrices", mutate: func(m *Meta) { m.DTypeMat = runtime.U64 }, wantErr: "invalid dtype_mat"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Tiny()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePartition(t *testing.T) {
	cfg := Tiny()
	for _, ndev := range []int{1, 2} {
		if err := cfg.ValidatePartition(ndev); err != nil {
			t.Errorf("ValidatePartition(%d) unexpected error: %v", ndev, err)
		}
	}

	tests := []struct {
		ndev    int
		wantErr string
	}{
		{0, "invalid device count"},
		{3, "heads (4)"},
		{4, "kv_heads (2)"},
	}
	for _, tt := range tests {
		err := cfg.ValidatePartition(tt.ndev)
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("ValidatePartition(%d) error = %v, want %q", tt.ndev, err, tt.wantErr)
		}
	}

	cfg.HiddenDim = 130
	if err := cfg.ValidatePartition(2); err == nil || !strings.Contains(err.Error(), "hidden_dim") {
		t.Errorf("expected hidden_dim partition error, got %v", err)
	}
}
