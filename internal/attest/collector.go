package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/vouch/internal/model"
)

// Protocol names understood by the default collectors.
const (
	ProtocolHTTP = "http"
	ProtocolNull = "null"
)

// maxMeasurementBytes bounds the response body read from an element.
const maxMeasurementBytes = 8 << 20

// CollectRequest is what a collector needs to obtain one measurement.
type CollectRequest struct {
	Element    model.Element
	Policy     model.Policy
	Intent     string
	Parameters map[string]any
}

// Collector obtains a raw measurement from an element.
//
// Transport failures should be returned as ENDPOINT_UNREACHABLE and
// unusable responses as INVALID_MEASUREMENT; unclassified errors are
// treated as ENDPOINT_UNREACHABLE by the orchestrator.
type Collector interface {
	Collect(ctx context.Context, req CollectRequest) (map[string]any, error)
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context, req CollectRequest) (map[string]any, error)

func (f CollectorFunc) Collect(ctx context.Context, req CollectRequest) (map[string]any, error) {
	return f(ctx, req)
}

// NullCollector answers every request with a fixed measurement without
// touching the network.
type NullCollector struct{}

func (NullCollector) Collect(_ context.Context, req CollectRequest) (map[string]any, error) {
	return map[string]any{
		"protocol": ProtocolNull,
		"intent":   req.Intent,
		"element":  req.Element.ItemID,
	}, nil
}

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// HTTPCollector POSTs the merged parameters as JSON to
// <endpoint>/<intent> and accepts a JSON or CBOR object in reply.
type HTTPCollector struct {
	Client *http.Client
}

// NewHTTPCollector creates a collector using client, or
// http.DefaultClient when client is nil. Deadlines come from the context.
func NewHTTPCollector(client *http.Client) *HTTPCollector {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCollector{Client: client}
}

func (c *HTTPCollector) Collect(ctx context.Context, req CollectRequest) (map[string]any, error) {
	if req.Element.Endpoint == "" {
		return nil, &model.Error{
			Kind:    model.KindEndpointUnreachable,
			Message: "element has no endpoint",
			Entity:  "element",
			ItemID:  req.Element.ItemID,
		}
	}
	url := strings.TrimRight(req.Element.Endpoint, "/") + "/" + strings.TrimLeft(req.Intent, "/")

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, model.Wrap(model.KindEndpointUnreachable, err, "build request for %s", url)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, application/cbor")

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return nil, model.Wrap(model.KindEndpointUnreachable, err, "call %s", url)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMeasurementBytes))
	if err != nil {
		return nil, model.Wrap(model.KindEndpointUnreachable, err, "read response from %s", url)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewError(model.KindEndpointUnreachable, "%s returned %s", url, resp.Status)
	}

	payload, err := decodeMeasurement(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return nil, model.Wrap(model.KindInvalidMeasurement, err, "decode response from %s", url)
	}
	return payload, nil
}

// decodeMeasurement decodes a JSON or CBOR object by content type.
func decodeMeasurement(contentType string, data []byte) (map[string]any, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if strings.HasSuffix(mediaType, "cbor") {
		var v any
		if err := cborDecMode.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("measurement is %T, not an object", v)
		}
		return obj, nil
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.New("empty measurement")
	}
	return model.DecodeObject(data)
}
