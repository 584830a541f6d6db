package cachelock

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_PerCallOverridesInstanceDefaults(t *testing.T) {
	cache := newFakeCache()
	leases := newFakeLeases(SystemClock)
	instance := defaultOptions()
	WithAdapter(AdapterPair{Cache: cache, Leases: leases})(instance)
	WithLeaseTtl(10 * time.Second)(instance)

	perCall := &Options{}
	WithLeaseTtl(2 * time.Second)(perCall)

	resolved, err := resolve(instance, perCall, newAdapterRegistry())
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, resolved.leaseTtl)
	assert.Same(t, cache, resolved.cache)
}

func TestResolve_MissingAdapterFailsValidationByDefault(t *testing.T) {
	instance := defaultOptions()
	_, err := resolve(instance, &Options{}, newAdapterRegistry())
	require.Error(t, err)
	var tagged *Error
	require.ErrorAs(t, err, &tagged)
	assert.Equal(t, KindValidation, tagged.Kind)
}

func TestResolve_ValidationSkippedWhenDisabled(t *testing.T) {
	instance := defaultOptions()
	perCall := &Options{}
	WithValidateOptions(false)(perCall)

	resolved, err := resolve(instance, perCall, newAdapterRegistry())
	require.NoError(t, err)
	assert.Nil(t, resolved.cache)
	assert.Nil(t, resolved.leases)
}

func TestResolve_DescriptorResolvedThroughRegistry(t *testing.T) {
	cache := newFakeCache()
	leases := newFakeLeases(SystemClock)
	registry := newAdapterRegistry()

	var factoryCalls int
	registry.register("fake", func(d *AdapterDescriptor) (AdapterPair, error) {
		factoryCalls++
		return AdapterPair{Cache: cache, Leases: leases}, nil
	})

	instance := defaultOptions()
	perCall := &Options{}
	WithAdapterDescriptor("fake", map[string]any{"k": "v"})(perCall)

	resolved, err := resolve(instance, perCall, registry)
	require.NoError(t, err)
	assert.Same(t, cache, resolved.cache)
	assert.Equal(t, 1, factoryCalls)

	// A second resolve with a distinct descriptor re-invokes the factory:
	// interning is by descriptor pointer identity, not value.
	perCall2 := &Options{}
	WithAdapterDescriptor("fake", map[string]any{"k": "v"})(perCall2)
	_, err = resolve(instance, perCall2, registry)
	require.NoError(t, err)
	assert.Equal(t, 2, factoryCalls)
}

func TestResolve_SameDescriptorPointerIsInterned(t *testing.T) {
	cache := newFakeCache()
	leases := newFakeLeases(SystemClock)
	registry := newAdapterRegistry()

	var factoryCalls int
	registry.register("fake", func(d *AdapterDescriptor) (AdapterPair, error) {
		factoryCalls++
		return AdapterPair{Cache: cache, Leases: leases}, nil
	})

	descriptor := &AdapterDescriptor{Type: "fake"}
	instance := defaultOptions()
	instance.AdapterDescriptor = descriptor

	_, err := resolve(instance, &Options{}, registry)
	require.NoError(t, err)
	_, err = resolve(instance, &Options{}, registry)
	require.NoError(t, err)

	assert.Equal(t, 1, factoryCalls, "repeated resolves of the same descriptor pointer must reuse the interned adapter")
}

func TestResolve_UnknownAdapterTypeErrors(t *testing.T) {
	instance := defaultOptions()
	perCall := &Options{}
	WithAdapterDescriptor("nonexistent", nil)(perCall)

	_, err := resolve(instance, perCall, newAdapterRegistry())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestResolve_NegativeDurationsFailValidation(t *testing.T) {
	cache := newFakeCache()
	leases := newFakeLeases(SystemClock)
	instance := defaultOptions()
	WithAdapter(AdapterPair{Cache: cache, Leases: leases})(instance)

	perCall := &Options{}
	WithWaitMax(-time.Second)(perCall)

	_, err := resolve(instance, perCall, newAdapterRegistry())
	require.Error(t, err)
}

func TestResolve_OwnerIdDefaultsToGeneratedUUIDWhenUnset(t *testing.T) {
	cache := newFakeCache()
	leases := newFakeLeases(SystemClock)
	instance := defaultOptions()
	WithAdapter(AdapterPair{Cache: cache, Leases: leases})(instance)

	resolved, err := resolve(instance, &Options{}, newAdapterRegistry())
	require.NoError(t, err)
	assert.NotEmpty(t, resolved.ownerId)
}

func TestResolve_LoggerPerCallOverridesInstanceDefault(t *testing.T) {
	cache := newFakeCache()
	leases := newFakeLeases(SystemClock)
	instance := defaultOptions()
	WithAdapter(AdapterPair{Cache: cache, Leases: leases})(instance)

	perCallLogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	perCall := &Options{}
	WithLogger(perCallLogger)(perCall)

	resolved, err := resolve(instance, perCall, newAdapterRegistry())
	require.NoError(t, err)
	assert.Same(t, perCallLogger, resolved.logger)
}

func TestResolve_LoggerFallsBackToInstanceDefault(t *testing.T) {
	cache := newFakeCache()
	leases := newFakeLeases(SystemClock)
	instance := defaultOptions()
	WithAdapter(AdapterPair{Cache: cache, Leases: leases})(instance)
	instanceLogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	WithLogger(instanceLogger)(instance)

	resolved, err := resolve(instance, &Options{}, newAdapterRegistry())
	require.NoError(t, err)
	assert.Same(t, instanceLogger, resolved.logger)
}

func TestResolve_TTLJitterDefaultsToDisabled(t *testing.T) {
	cache := newFakeCache()
	leases := newFakeLeases(SystemClock)
	instance := defaultOptions()
	WithAdapter(AdapterPair{Cache: cache, Leases: leases})(instance)

	resolved, err := resolve(instance, &Options{}, newAdapterRegistry())
	require.NoError(t, err)
	assert.Zero(t, resolved.ttlJitter)
}

func TestResolve_TTLJitterPerCallOverridesInstanceDefault(t *testing.T) {
	cache := newFakeCache()
	leases := newFakeLeases(SystemClock)
	instance := defaultOptions()
	WithAdapter(AdapterPair{Cache: cache, Leases: leases})(instance)
	WithTTLJitter(0.1)(instance)

	perCall := &Options{}
	WithTTLJitter(0.5)(perCall)

	resolved, err := resolve(instance, perCall, newAdapterRegistry())
	require.NoError(t, err)
	assert.Equal(t, 0.5, resolved.ttlJitter)
}

func TestDecodeAdapterOptions_RoundTripsIntoTypedStruct(t *testing.T) {
	type target struct {
		NumCounters int64 `koanf:"numCounters"`
		MaxCost     int64 `koanf:"maxCost"`
	}

	var got target
	err := DecodeAdapterOptions(map[string]any{"numCounters": 100, "maxCost": 2048}, &got)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.NumCounters)
	assert.Equal(t, int64(2048), got.MaxCost)
}

func TestDecodeAdapterOptions_NilOptionsIsNoop(t *testing.T) {
	type target struct {
		NumCounters int64 `koanf:"numCounters"`
	}
	var got target
	err := DecodeAdapterOptions(nil, &got)
	require.NoError(t, err)
	assert.Zero(t, got.NumCounters)
}
