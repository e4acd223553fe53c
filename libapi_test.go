package tenantflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestServiceExportsPropagateErrors(t *testing.T) {
	if _, err := NewService(context.Background(), nil, DiscardLogger(), ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}
	if _, err := NewRegistry(RegistryConfig{}); err == nil {
		t.Fatal("expected registry without factory to fail")
	}
	if _, err := NewCallRouter(nil); !errors.Is(err, ErrRegistryRequired) {
		t.Fatalf("expected registry required error, got %v", err)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := ValidateConfig(DefaultConfig()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestTenantUnavailableMatchesSentinel(t *testing.T) {
	err := error(&TenantUnavailableError{Token: "acme", State: TenantFailed.String()})
	if !errors.Is(err, ErrTenantUnavailable) {
		t.Fatalf("expected %v to match ErrTenantUnavailable", err)
	}
}

func TestEnvelopeAndFilterExports(t *testing.T) {
	e := NewEnvelope(EnvelopeFields{ID: "e1", DeviceID: "d1", EventDate: time.Now()})
	chain, err := FilterChainFromRules([]FilterRule{{Attribute: "device", Value: "d1", Operation: Exclude}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !chain.IsExcluded(e) {
		t.Fatal("expected chain to exclude device d1")
	}

	payload, err := JSONCodec{}.Encode(e)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := JSONCodec{}.Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.DeviceID() != "d1" {
		t.Fatalf("expected device d1, got %q", back.DeviceID())
	}
}

func TestNamingExports(t *testing.T) {
	if got := TenantTopic("prod", "acme", PurposeInboundEvents); got != "prod.tenant.acme.inbound-events" {
		t.Fatalf("unexpected topic %q", got)
	}
	if ConsumerGroup("prod", "acme", "alerts") == ConsumerGroup("prod", "acme", "audit") {
		t.Fatal("connectors must not share a consumer group")
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	data, err := Marshal(payload)
	if err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if err := Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}
