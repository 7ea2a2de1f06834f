package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Parcel 一次成功拉取得到的地块快照；构建完成后整体替换，不做字段级修改
type Parcel struct {
	ID        string
	Meta      map[string]json.RawMessage
	Catalog   *FeatureCatalog
	Field     *SpatialField
	FetchedAt time.Time
	// Skipped 解析或解码时被跳过的要素
	Skipped []error
}

func emptyParcel(id string) *Parcel {
	catalog, _ := ParseFeatures(nil)
	return &Parcel{
		ID:      id,
		Meta:    map[string]json.RawMessage{},
		Catalog: catalog,
		Field:   BuildField(nil, FieldOptions{}),
	}
}

func buildParcel(id string, d parcelDescription, opts FieldOptions, at time.Time) *Parcel {
	catalog, errs := ParseFeatures(d.Features)
	field := BuildField(catalog.All(), opts)
	return &Parcel{
		ID:        id,
		Meta:      d.Meta,
		Catalog:   catalog,
		Field:     field,
		FetchedAt: at,
		Skipped:   append(errs, field.Errors()...),
	}
}

// ServiceOptions 可注入的外部依赖
type ServiceOptions struct {
	HTTPClient *http.Client
	Cache      *ParcelCache // nil 表示不缓存
}

// ParcelService 负责地块的拉取解析，并持有该地块的会话中枢
type ParcelService struct {
	cfg     Config
	client  *ParcelClient
	cache   *ParcelCache
	field   FieldOptions
	metrics *HubMetrics

	current atomic.Pointer[Parcel]
	fetchMu sync.Mutex

	registry *PlayerRegistry
	hub      *Hub
	stopHub  context.CancelFunc

	srvMu sync.Mutex
	srv   *http.Server
}

// NewParcelService 创建服务并启动会话中枢
func NewParcelService(cfg Config, opts ServiceOptions) (*ParcelService, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, _ := ParseDuplicatePolicy(cfg.DuplicateVoxelPolicy)

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.FetchTimeout()}
	}

	s := &ParcelService{
		cfg:      cfg,
		client:   NewParcelClient(cfg.APIBase, hc),
		cache:    opts.Cache,
		field:    FieldOptions{Policy: policy},
		metrics:  &HubMetrics{},
		registry: NewPlayerRegistry(),
	}
	s.current.Store(emptyParcel(cfg.ParcelID))
	s.hub = NewHub(s.registry, s.Current, s.metrics, HubOptions{ExcludeOrigin: cfg.ExcludeOrigin})

	ctx, cancel := context.WithCancel(context.Background())
	s.stopHub = cancel
	go s.hub.Run(ctx)
	return s, nil
}

func (s *ParcelService) ID() string { return s.cfg.ParcelID }

// Current 当前地块快照，永不为 nil
func (s *ParcelService) Current() *Parcel { return s.current.Load() }

func (s *ParcelService) Hub() *Hub { return s.hub }

// Fetch 拉取并解析地块；失败时保留原有快照并返回错误
func (s *ParcelService) Fetch(ctx context.Context) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout())
	defer cancel()

	now := time.Now()
	body, err := s.client.Get(ctx, s.cfg.ParcelID)
	if err == nil {
		err = s.install(body, now)
	}
	if err != nil {
		s.metrics.inc(&s.metrics.FetchFailed)
		Log.Warnf("could not fetch parcel %s: %v", s.cfg.ParcelID, err)
		return err
	}
	s.metrics.inc(&s.metrics.FetchOK)

	if s.cache != nil {
		if err := s.cache.Put(ctx, s.cfg.ParcelID, body, now); err != nil {
			Log.Warnf("cache parcel %s: %v", s.cfg.ParcelID, err)
		}
	}
	return nil
}

// LoadCached 从本地缓存恢复最近一次成功的响应
func (s *ParcelService) LoadCached(ctx context.Context) error {
	if s.cache == nil {
		return errors.New("parcel cache disabled")
	}
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	cp, ok, err := s.cache.Get(ctx, s.cfg.ParcelID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no cached parcel %s", s.cfg.ParcelID)
	}
	if err := s.install(cp.Body, cp.FetchedAt); err != nil {
		return err
	}
	Log.Infof("parcel %s restored from cache (fetched %s)", s.cfg.ParcelID, cp.FetchedAt.Format(time.RFC3339))
	return nil
}

// install 完整构建新快照后原子替换
func (s *ParcelService) install(body []byte, at time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFetchFailed, r)
		}
	}()
	d, err := decodeParcelResponse(body)
	if err != nil {
		return err
	}
	p := buildParcel(s.cfg.ParcelID, d, s.field, at)
	for _, e := range p.Skipped {
		Log.Warnf("parcel %s: skipped feature: %v", s.cfg.ParcelID, e)
	}
	s.current.Store(p)
	Log.Infof("parcel %s ready: features=%d voxels=%d digest=%s",
		s.cfg.ParcelID, p.Catalog.Len(), p.Field.Len(), p.Field.Digest())
	return nil
}

// Listen 监听端口（0 则取 PORT 环境变量或默认值），后台接受连接，返回实际端口
func (s *ParcelService) Listen(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", ResolvePort(port)))
	if err != nil {
		return 0, err
	}
	return s.Serve(ln), nil
}

// Serve 在给定 listener 上后台提供服务
func (s *ParcelService) Serve(ln net.Listener) int {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()

	port := ln.Addr().(*net.TCPAddr).Port
	go func() {
		Log.Infof("parcel %s listening on :%d", s.cfg.ParcelID, port)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			Log.Errorf("serve: %v", err)
		}
	}()
	return port
}

// Shutdown 停止接入并关闭全部会话
func (s *ParcelService) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.stopHub()
	return err
}
