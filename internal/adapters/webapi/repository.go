package webapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/kiryu-dev/steam-cm/internal/config"
	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	cmListEndpoint  = "/ISteamDirectory/GetCMList/v1/"
	cleanupInterval = 10 * time.Minute
)

type repository struct {
	cli     *http.Client
	baseURL string
	cache   *cache.Cache
	logger  *zap.Logger
}

func New(cfg config.Bootstrap, logger *zap.Logger) repository {
	return repository{
		cli:     &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.URL, "/"),
		cache:   cache.New(cfg.CacheTTL, cleanupInterval),
		logger:  logger,
	}
}

// GetCMList asks the directory service for CM servers near cellID.
// Successful responses with at least one endpoint are cached per cell.
func (r repository) GetCMList(ctx context.Context, cellID uint32) (*domain.CMListResponse, error) {
	cacheKey := strconv.FormatUint(uint64(cellID), 10)
	if cached, ok := r.cache.Get(cacheKey); ok {
		return cached.(*domain.CMListResponse), nil
	}

	query := url.Values{}
	query.Set("cellid", cacheKey)
	query.Set("format", "json")
	request, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+cmListEndpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, errors.WithMessage(err, "new get request")
	}
	resp, err := r.cli.Do(request)
	if err != nil {
		return nil, errors.WithMessagef(err, "call http endpoint '%s'", cmListEndpoint)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.WithMessagef(domain.ErrBootstrapFailed, "unexpected response status '%s'", resp.Status)
	}
	result := new(domain.CMListResponse)
	if err := jsoniter.NewDecoder(resp.Body).Decode(result); err != nil {
		return nil, errors.WithMessage(err, "decode json response body")
	}
	if result.Response.Result != domain.ResultOK {
		return nil, errors.WithMessagef(domain.ErrBootstrapFailed, "result %d: %s",
			result.Response.Result, result.Response.Message)
	}

	// An empty list is returned but not cached so the next refresh asks again.
	if len(result.Response.ServerList)+len(result.Response.ServerListWebsockets) > 0 {
		r.cache.SetDefault(cacheKey, result)
	}
	r.logger.Info("cm list fetched",
		zap.Uint32("cell_id", cellID),
		zap.Int("sockets", len(result.Response.ServerList)),
		zap.Int("websockets", len(result.Response.ServerListWebsockets)))
	return result, nil
}
