// Package tokens issues role-scoped client tokens for an event's backstage
// and stage sessions.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xpadev-net/live-event-orchestrator/internal/db"
	"github.com/xpadev-net/live-event-orchestrator/internal/lifecycle"
	"github.com/xpadev-net/live-event-orchestrator/internal/log"
	"github.com/xpadev-net/live-event-orchestrator/internal/opentok"
)

// UserType tags a connection with the participant role it belongs to.
type UserType string

const (
	UserProducer     UserType = "producer"
	UserHost         UserType = "host"
	UserCelebrity    UserType = "celebrity"
	UserFan          UserType = "fan"
	UserBackstageFan UserType = "backstageFan"
)

// EventFinder looks events up.
type EventFinder interface {
	GetEvent(ctx context.Context, id string) (*db.Event, error)
	GetEventByKey(ctx context.Context, domainID, slug string, field db.SlugField) (*db.Event, error)
	GetMostRecentEvent(ctx context.Context, domainID string) (*db.Event, error)
}

// DomainStore reads tenants.
type DomainStore interface {
	Get(ctx context.Context, id string) (*db.Domain, error)
}

// Minter signs client tokens.
type Minter interface {
	CreateToken(ctx context.Context, creds opentok.Credentials, sessionID string, opts opentok.TokenOptions) (string, error)
}

// Result is what a client needs to join an event.
type Result struct {
	Event          *db.Event `json:"event"`
	APIKey         string    `json:"api_key"`
	BackstageToken string    `json:"backstage_token,omitempty"`
	StageToken     string    `json:"stage_token"`
	HTTPSupport    bool      `json:"http_support"`
}

// Issuer builds tokens for every participant role.
type Issuer struct {
	events  EventFinder
	domains DomainStore
	minter  Minter
}

// NewIssuer creates an issuer.
func NewIssuer(events EventFinder, domains DomainStore, minter Minter) *Issuer {
	return &Issuer{events: events, domains: domains, minter: minter}
}

type connectionData struct {
	UserType UserType `json:"userType"`
}

func (i *Issuer) token(ctx context.Context, creds opentok.Credentials, sessionID string, role opentok.Role, userType UserType) (string, error) {
	data, err := json.Marshal(connectionData{UserType: userType})
	if err != nil {
		return "", err
	}
	tok, err := i.minter.CreateToken(ctx, creds, sessionID, opentok.TokenOptions{Role: role, Data: string(data)})
	if err != nil {
		log.Error("failed to create token",
			zap.String("user_type", string(userType)),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: create %s token: %v", lifecycle.ErrUpstream, userType, err)
	}
	return tok, nil
}

func (i *Issuer) domain(ctx context.Context, id string) (*db.Domain, opentok.Credentials, error) {
	d, err := i.domains.Get(ctx, id)
	if errors.Is(err, db.ErrDomainNotFound) {
		return nil, opentok.Credentials{}, fmt.Errorf("%w: domain", lifecycle.ErrNotFound)
	}
	if err != nil {
		return nil, opentok.Credentials{}, err
	}
	return d, opentok.Credentials{APIKey: d.OTAPIKey, Secret: d.OTSecret}, nil
}

// Producer issues moderator tokens for both sessions of an event.
func (i *Issuer) Producer(ctx context.Context, eventID string) (*Result, error) {
	event, err := i.events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	domain, creds, err := i.domain(ctx, event.DomainID)
	if err != nil {
		return nil, err
	}

	backstage, err := i.token(ctx, creds, event.SessionID, opentok.RoleModerator, UserProducer)
	if err != nil {
		return nil, err
	}
	stage, err := i.token(ctx, creds, event.StageSessionID, opentok.RoleModerator, UserProducer)
	if err != nil {
		return nil, err
	}
	return &Result{
		Event:          event,
		APIKey:         creds.APIKey,
		BackstageToken: backstage,
		StageToken:     stage,
		HTTPSupport:    domain.HTTPSupport,
	}, nil
}

// Fan issues publisher tokens for a fan: one for the backstage queue and
// one for the stage.
func (i *Issuer) Fan(ctx context.Context, domainID, fanURL string) (*Result, error) {
	event, err := i.events.GetEventByKey(ctx, domainID, fanURL, db.SlugFan)
	if err != nil {
		return nil, err
	}
	domain, creds, err := i.domain(ctx, domainID)
	if err != nil {
		return nil, err
	}

	backstage, err := i.token(ctx, creds, event.SessionID, opentok.RolePublisher, UserBackstageFan)
	if err != nil {
		return nil, err
	}
	stage, err := i.token(ctx, creds, event.StageSessionID, opentok.RolePublisher, UserFan)
	if err != nil {
		return nil, err
	}
	return &Result{
		Event:          event,
		APIKey:         creds.APIKey,
		BackstageToken: backstage,
		StageToken:     stage,
		HTTPSupport:    domain.HTTPSupport,
	}, nil
}

// HostOrCelebrity issues a stage publisher token for a host or a celebrity.
func (i *Issuer) HostOrCelebrity(ctx context.Context, domainID, slug string, userType UserType) (*Result, error) {
	field := db.SlugHost
	switch userType {
	case UserHost:
	case UserCelebrity:
		field = db.SlugCelebrity
	default:
		return nil, fmt.Errorf("%w: user type %q is not host or celebrity", lifecycle.ErrValidation, userType)
	}

	event, err := i.events.GetEventByKey(ctx, domainID, slug, field)
	if err != nil {
		return nil, err
	}
	domain, creds, err := i.domain(ctx, domainID)
	if err != nil {
		return nil, err
	}

	stage, err := i.token(ctx, creds, event.StageSessionID, opentok.RolePublisher, userType)
	if err != nil {
		return nil, err
	}
	return &Result{
		Event:       event,
		APIKey:      creds.APIKey,
		StageToken:  stage,
		HTTPSupport: domain.HTTPSupport,
	}, nil
}

// ByUserType issues tokens for the domain's current event: the most recent
// live event, else the most recent preshow event.
func (i *Issuer) ByUserType(ctx context.Context, domainID string, userType UserType) (*Result, error) {
	switch userType {
	case UserFan, UserHost, UserCelebrity:
	default:
		return nil, fmt.Errorf("%w: unsupported user type %q", lifecycle.ErrValidation, userType)
	}

	event, err := i.events.GetMostRecentEvent(ctx, domainID)
	if err != nil {
		return nil, err
	}
	switch userType {
	case UserFan:
		return i.Fan(ctx, domainID, event.FanURL)
	case UserCelebrity:
		return i.HostOrCelebrity(ctx, domainID, event.CelebrityURL, userType)
	default:
		return i.HostOrCelebrity(ctx, domainID, event.HostURL, userType)
	}
}
