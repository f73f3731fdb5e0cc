package domain

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrNoServers        = errors.New("no servers available")
	ErrNoProxies        = errors.New("no proxies available")
	ErrBootstrapFailed  = errors.New("bootstrap server list fetch failed")
	ErrProviderRequired = errors.New("server list provider is required")
)

// ServerListProvider persists the known CM list. UpdateServerList must replace the
// stored list atomically: a concurrent FetchServerList sees either the old or the new list.
type ServerListProvider interface {
	FetchServerList(ctx context.Context) ([]ServerRecord, error)
	UpdateServerList(ctx context.Context, records []ServerRecord) error
}

// BootstrapRepository performs the one-off remote lookup of CM servers.
type BootstrapRepository interface {
	GetCMList(ctx context.Context, cellID uint32) (*CMListResponse, error)
}

// ResultOK is the success value of CMListResponse.Result.
const ResultOK = 1

// CMListResponse mirrors the directory API payload.
type CMListResponse struct {
	Response struct {
		ServerList           []string `json:"serverlist"`
		ServerListWebsockets []string `json:"serverlist_websockets"`
		Result               int      `json:"result"`
		Message              string   `json:"message"`
	} `json:"response"`
}

// Records converts the response to server records, skipping endpoints that do not parse.
// It fails when the result is not OK or no endpoint was usable.
func (r *CMListResponse) Records() ([]ServerRecord, error) {
	if r == nil {
		return nil, errors.WithMessage(ErrBootstrapFailed, "empty response")
	}
	if r.Response.Result != ResultOK {
		return nil, errors.WithMessagef(ErrBootstrapFailed, "result %d: %s",
			r.Response.Result, r.Response.Message)
	}
	records := make([]ServerRecord, 0, len(r.Response.ServerList)+len(r.Response.ServerListWebsockets))
	for _, addr := range r.Response.ServerList {
		record, err := ParseServerRecord(addr, TCP|UDP)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	for _, addr := range r.Response.ServerListWebsockets {
		record, err := NewWebSocketServer(addr)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	if len(records) == 0 {
		return nil, errors.WithMessage(ErrBootstrapFailed, "server lists are empty")
	}
	return records, nil
}

// ServerPool selects CM servers for connection attempts and keeps failure bookkeeping.
type ServerPool interface {
	Next(ctx context.Context, protocols ProtocolType) (ServerRecord, ProtocolType, error)
	MarkBad(record ServerRecord, protocol ProtocolType)
	MarkGood(record ServerRecord, protocol ProtocolType)
	Exhausted(protocols ProtocolType) bool
	NextProxy() (*ProxyState, error)
	MarkProxyBad(proxy *ProxyState)
}
