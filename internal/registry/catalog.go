package registry

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/nulpointcorp/inference-gateway/internal/domain"
	"github.com/nulpointcorp/inference-gateway/internal/money"
)

// CatalogURLEnv overrides the default catalog source, the same override
// idiom ferro-labs-ai-gateway/models/catalog.go uses for FERRO_MODEL_CATALOG_URL
// — useful for air-gapped deployments or an operator-maintained pricing feed.
const CatalogURLEnv = "CANONICAL_CATALOG_URL"

//go:embed catalog.json
var bundledCatalog []byte

// catalogEntry and catalogBinding mirror catalog.json's shape — a flatter,
// JSON-friendly stand-in for domain.CanonicalModel/ProviderBinding so pricing
// can be authored as plain decimal strings instead of Go literals.
type catalogEntry struct {
	CanonicalID string           `json:"canonical_id"`
	Modality    string           `json:"modality"`
	Aliases     []string         `json:"aliases"`
	Bindings    []catalogBinding `json:"bindings"`
	// FreeProvider names the one provider_slug whose ":free"-suffixed
	// upstream model ID is actually free. Empty means no binding's ":free"
	// suffix should be trusted for this canonical model.
	FreeProvider string `json:"free_provider"`
}

type catalogBinding struct {
	ProviderSlug    string              `json:"provider_slug"`
	UpstreamModelID string              `json:"upstream_model_id"`
	Priority        int                 `json:"priority"`
	InputPer1K      *money.Amount       `json:"input_per_1k"`
	OutputPer1K     *money.Amount       `json:"output_per_1k"`
	Capabilities    domain.Capabilities `json:"capabilities"`
}

// LoadCatalog fetches the canonical model catalog from CatalogURLEnv (a 2s
// timeout) and falls back to the embedded copy shipped with the binary on
// any failure — the gateway must never fail to start for want of a catalog.
func LoadCatalog() ([]domain.CanonicalModel, error) {
	if url := os.Getenv(CatalogURLEnv); url != "" {
		if data, err := fetchRemoteCatalog(url); err == nil {
			if models, err := ParseCatalog(data); err == nil {
				return models, nil
			}
		}
	}
	return ParseCatalog(bundledCatalog)
}

// FetchCatalogBytes loads the raw catalog document from CatalogURLEnv (if
// set) or the embedded bundled copy, without parsing it. It matches
// catalog.Loader's shape so internal/catalog.Cache can drive catalog loads
// (including the single-flight fill and stale-while-revalidate refresh)
// instead of the caller bypassing the cache and calling LoadCatalog
// directly on a timer.
func FetchCatalogBytes(ctx context.Context, key string) ([]byte, error) {
	if url := os.Getenv(CatalogURLEnv); url != "" {
		if data, err := fetchRemoteCatalogCtx(ctx, url); err == nil {
			return data, nil
		}
	}
	return bundledCatalog, nil
}

func fetchRemoteCatalog(url string) ([]byte, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func fetchRemoteCatalogCtx(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ParseCatalog decodes a catalog document's raw JSON bytes into the
// registry's domain.CanonicalModel shape. Exported so internal/catalog.Cache
// callers can parse whatever bytes it returns, whether a cache hit or a
// fresh fetch.
func ParseCatalog(data []byte) ([]domain.CanonicalModel, error) {
	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	models := make([]domain.CanonicalModel, 0, len(entries))
	for _, e := range entries {
		bindings := make([]domain.ProviderBinding, 0, len(e.Bindings))
		for _, b := range e.Bindings {
			pricing := domain.Pricing{}
			if b.InputPer1K != nil {
				pricing.InputPer1K = *b.InputPer1K
				pricing.InputSet = true
			}
			if b.OutputPer1K != nil {
				pricing.OutputPer1K = *b.OutputPer1K
				pricing.OutputSet = true
			}
			bindings = append(bindings, domain.ProviderBinding{
				ProviderSlug:    b.ProviderSlug,
				UpstreamModelID: b.UpstreamModelID,
				Priority:        b.Priority,
				Pricing:         pricing,
				Capabilities:    b.Capabilities,
			})
		}
		models = append(models, domain.CanonicalModel{
			CanonicalID:           e.CanonicalID,
			Aliases:               e.Aliases,
			Bindings:              bindings,
			Modality:              domain.Modality(e.Modality),
			CanonicalFreeProvider: e.FreeProvider,
		})
	}
	return models, nil
}
