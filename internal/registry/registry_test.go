package registry_test

import (
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/registry"
)

func sampleModels() []domain.CanonicalModel {
	return []domain.CanonicalModel{
		{
			CanonicalID: "gpt-4-class-large",
			Aliases:     []string{"gpt-4o", "gpt-4-turbo"},
			Modality:    domain.ModalityChat,
			Bindings: []domain.ProviderBinding{
				{ProviderSlug: "openai", UpstreamModelID: "gpt-4o", Priority: 0},
				{ProviderSlug: "azure", UpstreamModelID: "gpt-4o", Priority: 1},
			},
		},
		{
			CanonicalID: "claude-class-large",
			Aliases:     []string{"claude-3-opus"},
			Modality:    domain.ModalityChat,
			Bindings: []domain.ProviderBinding{
				{ProviderSlug: "anthropic", UpstreamModelID: "claude-3-opus-20240229", Priority: 0},
			},
		},
	}
}

func TestResolveByAliasAndCanonicalID(t *testing.T) {
	r := registry.New(sampleModels())

	for _, name := range []string{"gpt-4-class-large", "gpt-4o", "gpt-4-turbo"} {
		m, err := r.Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", name, err)
		}
		if m.CanonicalID != "gpt-4-class-large" {
			t.Errorf("Resolve(%q).CanonicalID = %q, want gpt-4-class-large", name, m.CanonicalID)
		}
	}
}

func TestResolveUnknownReturnsErrNotFound(t *testing.T) {
	r := registry.New(sampleModels())
	if _, err := r.Resolve("nonexistent-model"); err != registry.ErrNotFound {
		t.Errorf("Resolve(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestReverseResolve(t *testing.T) {
	r := registry.New(sampleModels())
	id, ok := r.ReverseResolve("anthropic", "claude-3-opus-20240229")
	if !ok || id != "claude-class-large" {
		t.Errorf("ReverseResolve = (%q, %v), want (claude-class-large, true)", id, ok)
	}

	if _, ok := r.ReverseResolve("openai", "does-not-exist"); ok {
		t.Error("ReverseResolve should fail for unknown upstream model")
	}
}

func TestLoadSwapsAtomically(t *testing.T) {
	r := registry.New(sampleModels())

	replacement := []domain.CanonicalModel{
		{CanonicalID: "solo-model", Aliases: []string{"solo"}, Modality: domain.ModalityChat},
	}
	r.Load(replacement)

	if _, err := r.Resolve("gpt-4o"); err != registry.ErrNotFound {
		t.Errorf("expected old alias to be gone after Load, got err=%v", err)
	}
	if _, err := r.Resolve("solo"); err != nil {
		t.Errorf("expected new alias to resolve after Load, got err=%v", err)
	}
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	models := []domain.CanonicalModel{
		{
			CanonicalID: "llama-3.3-70b-instruct",
			Aliases:     []string{"meta-llama/Llama-3.3-70B-Instruct"},
			Modality:    domain.ModalityChat,
			Bindings: []domain.ProviderBinding{
				{ProviderSlug: "fireworks", UpstreamModelID: "llama-v3p3-70b-instruct", Priority: 0},
			},
		},
	}
	r := registry.New(models)

	for _, name := range []string{
		"llama-3.3-70b-instruct",
		"LLAMA-3.3-70B-INSTRUCT",
		"meta-llama/Llama-3.3-70B-Instruct",
		"META-LLAMA/llama-3.3-70B-instruct",
	} {
		m, err := r.Resolve(name)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", name, err)
		}
		if m.CanonicalID != "llama-3.3-70b-instruct" {
			t.Errorf("Resolve(%q).CanonicalID = %q, want llama-3.3-70b-instruct", name, m.CanonicalID)
		}
	}
}

func TestBindingsOrderPreserved(t *testing.T) {
	r := registry.New(sampleModels())
	bindings, err := r.Bindings("gpt-4o")
	if err != nil {
		t.Fatalf("Bindings: %v", err)
	}
	if len(bindings) != 2 || bindings[0].ProviderSlug != "openai" || bindings[1].ProviderSlug != "azure" {
		t.Errorf("unexpected binding order: %+v", bindings)
	}
}
