package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrFetchFailed 上游拉取失败（网络错误、非成功响应或响应体格式错误）
var ErrFetchFailed = errors.New("parcel fetch failed")

const maxParcelBody = 32 << 20

var parcelResponseSchema = jsonschema.MustCompileString("parcel-response.schema.json", `{
	"type": "object",
	"required": ["success"],
	"properties": {
		"success": {"type": "boolean"},
		"parcel": {
			"type": "object",
			"properties": {
				"features": {"type": ["array", "null"]}
			}
		}
	},
	"if": {"properties": {"success": {"const": true}}},
	"then": {"required": ["parcel"]}
}`)

// ParcelClient 访问地块描述服务 GET <base>/grid/parcels/{id}
type ParcelClient struct {
	base string
	http *http.Client
}

func NewParcelClient(base string, hc *http.Client) *ParcelClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &ParcelClient{base: base, http: hc}
}

// Get 返回已校验的原始响应体
func (c *ParcelClient) Get(ctx context.Context, id string) ([]byte, error) {
	u := c.base + "/grid/parcels/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetchFailed, u, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxParcelBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	return body, nil
}

// parcelDescription 解码后的上游地块
type parcelDescription struct {
	Meta     map[string]json.RawMessage
	Features []json.RawMessage
}

// decodeParcelResponse 校验外壳并拆出元数据与要素列表
func decodeParcelResponse(body []byte) (parcelDescription, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return parcelDescription{}, fmt.Errorf("%w: malformed body: %v", ErrFetchFailed, err)
	}
	if err := parcelResponseSchema.Validate(doc); err != nil {
		return parcelDescription{}, fmt.Errorf("%w: malformed body: %v", ErrFetchFailed, err)
	}
	var env struct {
		Success bool                       `json:"success"`
		Parcel  map[string]json.RawMessage `json:"parcel"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return parcelDescription{}, fmt.Errorf("%w: malformed body: %v", ErrFetchFailed, err)
	}
	if !env.Success {
		return parcelDescription{}, fmt.Errorf("%w: upstream reported success=false", ErrFetchFailed)
	}

	var d parcelDescription
	if raw, ok := env.Parcel["features"]; ok {
		if err := json.Unmarshal(raw, &d.Features); err != nil {
			return parcelDescription{}, fmt.Errorf("%w: features: %v", ErrFetchFailed, err)
		}
		delete(env.Parcel, "features")
	}
	d.Meta = env.Parcel
	return d, nil
}
