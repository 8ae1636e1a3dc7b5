package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// endpointExcluder drops spans for noisy ops routes and defers everything
// else to a ratio based sampler.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability float64
	delegate    sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints:   endpoints,
		probability: probability,
		delegate:    sdktrace.ParentBased(sdktrace.TraceIDRatioBased(probability)),
	}
}

// ShouldSample implements the sampler interface.
func (ee endpointExcluder) ShouldSample(parameters sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range parameters.Attributes {
		switch attr.Key {
		case "http.target", "url.path", "http.route":
			if _, exists := ee.endpoints[attr.Value.AsString()]; exists {
				return sdktrace.SamplingResult{Decision: sdktrace.Drop}
			}
		}
	}

	return ee.delegate.ShouldSample(parameters)
}

// Description implements the sampler interface.
func (ee endpointExcluder) Description() string {
	return "customSampler"
}
