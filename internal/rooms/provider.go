package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUpstream marks a transport provider failure. The core never manages the
// transport itself; it only records the joinable room reference.
var ErrUpstream = errors.New("room provider failure")

type Room struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Provider supplies a joinable room reference for a call.
type Provider interface {
	CreateRoom(ctx context.Context, callID string) (Room, error)
}

// StaticProvider derives room references from a fixed base URL. It stands in
// for the hosted transport collaborator in development and tests.
type StaticProvider struct {
	baseURL string
}

func NewStaticProvider(baseURL string) (*StaticProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: base url is required", ErrUpstream)
	}
	return &StaticProvider{baseURL: baseURL}, nil
}

func (p *StaticProvider) CreateRoom(ctx context.Context, callID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return Room{}, fmt.Errorf("%w: call id is required", ErrUpstream)
	}
	name := "call-" + callID
	return Room{
		Name: name,
		URL:  p.baseURL + "/" + name,
	}, nil
}
