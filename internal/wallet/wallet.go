// Package wallet builds Google Wallet generic passes and turns them into "save to wallet" links.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	saveURLPrefix = "https://pay.google.com/gp/v/save/"
	logoURI       = "https://storage.googleapis.com/wallet-lab-tools-codelab-artifacts-public/pass_google_logo.jpg"

	// localOrigin replaces a localhost app URL, which Google Wallet refuses as an origin
	localOrigin = "https://google.com"
)

// ErrNotConfigured matches every *ConfigError
var ErrNotConfigured = errors.New("wallet passes are not configured")

// ErrSigning wraps failures returned by the Signer
var ErrSigning = errors.New("signing wallet pass")

// Config holds the operator credentials needed to issue passes
type Config struct {
	IssuerID            string
	ServiceAccountEmail string
	PrivateKey          string
	AppURL              string
}

// ConfigError names the configuration values that are missing
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("wallet configuration incomplete, missing: %s", strings.Join(e.Missing, ", "))
}

// Is lets errors.Is(err, ErrNotConfigured) match any ConfigError
func (e *ConfigError) Is(target error) bool {
	return target == ErrNotConfigured
}

// Validate reports every missing value at once
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.IssuerID) == "" {
		missing = append(missing, "issuer id")
	}
	if strings.TrimSpace(c.ServiceAccountEmail) == "" {
		missing = append(missing, "service account email")
	}
	if strings.TrimSpace(c.PrivateKey) == "" {
		missing = append(missing, "private key")
	}
	if strings.TrimSpace(c.AppURL) == "" {
		missing = append(missing, "app url")
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

func (c Config) isLocal() bool {
	return strings.Contains(c.AppURL, "localhost") || strings.Contains(c.AppURL, "127.0.0.1")
}

// TextModule is one titled block of text on the pass
type TextModule struct {
	ID     string
	Header string
	Body   string
}

// Content is the record-specific part of a pass
type Content struct {
	// Class is the pass class suffix registered in the Wallet console, e.g. "receipt"
	Class       string
	Color       string
	CardTitle   string
	Subheader   string
	Header      string
	TextModules []TextModule
	// LinkPath is appended to the app URL for the "view in app" link
	LinkPath        string
	LinkDescription string
}

// Pass is a signed pass ready to be saved to a wallet
type Pass struct {
	Token   string `json:"token"`
	SaveURL string `json:"saveUrl"`
}

// Signer turns pass claims into a signed token
type Signer interface {
	Sign(ctx context.Context, privateKey string, claims jwt.Claims) (string, error)
}

// Issuer issues passes using configuration read at call time
type Issuer struct {
	config  func() Config
	signer  Signer
	newID   func() string
	nowFunc func() time.Time
}

// IssuerOption configures an Issuer
type IssuerOption func(*Issuer)

// WithPassIDs overrides how pass object ids are generated
func WithPassIDs(f func() string) IssuerOption {
	return func(i *Issuer) {
		i.newID = f
	}
}

// WithClock overrides the issue-time clock
func WithClock(f func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.nowFunc = f
	}
}

// NewIssuer creates an Issuer. config is called on every Issue so credentials can change without a restart.
func NewIssuer(config func() Config, signer Signer, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		config:  config,
		signer:  signer,
		newID:   uuid.NewString,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

type localizedString struct {
	DefaultValue translatedString `json:"defaultValue"`
}

type translatedString struct {
	Language string `json:"language"`
	Value    string `json:"value"`
}

func localized(value string) localizedString {
	return localizedString{DefaultValue: translatedString{Language: "en", Value: value}}
}

type textModuleData struct {
	ID     string `json:"id"`
	Header string `json:"header"`
	Body   string `json:"body"`
}

type linkURI struct {
	URI         string `json:"uri"`
	Description string `json:"description"`
}

type linksModuleData struct {
	URIs []linkURI `json:"uris"`
}

type imageSource struct {
	SourceURI struct {
		URI string `json:"uri"`
	} `json:"sourceUri"`
}

// genericObject is the Google Wallet generic pass object
type genericObject struct {
	ID                 string           `json:"id"`
	ClassID            string           `json:"classId"`
	GenericType        string           `json:"genericType"`
	HexBackgroundColor string           `json:"hexBackgroundColor"`
	Logo               imageSource      `json:"logo"`
	CardTitle          localizedString  `json:"cardTitle"`
	Subheader          localizedString  `json:"subheader"`
	Header             localizedString  `json:"header"`
	TextModulesData    []textModuleData `json:"textModulesData"`
	LinksModuleData    *linksModuleData `json:"linksModuleData,omitempty"`
}

func (i *Issuer) buildObject(cfg Config, content Content) genericObject {
	obj := genericObject{
		ID:                 cfg.IssuerID + "." + i.newID(),
		ClassID:            cfg.IssuerID + "." + content.Class,
		GenericType:        "GENERIC_TYPE_UNSPECIFIED",
		HexBackgroundColor: content.Color,
		CardTitle:          localized(content.CardTitle),
		Subheader:          localized(content.Subheader),
		Header:             localized(content.Header),
		TextModulesData:    make([]textModuleData, 0, len(content.TextModules)),
	}
	obj.Logo.SourceURI.URI = logoURI
	for _, m := range content.TextModules {
		obj.TextModulesData = append(obj.TextModulesData, textModuleData(m))
	}
	if content.LinkPath != "" && !cfg.isLocal() {
		obj.LinksModuleData = &linksModuleData{URIs: []linkURI{{
			URI:         strings.TrimRight(cfg.AppURL, "/") + content.LinkPath,
			Description: content.LinkDescription,
		}}}
	}
	return obj
}

// Issue builds the pass object for content and signs it.
// A pass is returned only when both configuration and signing succeed.
func (i *Issuer) Issue(ctx context.Context, content Content) (*Pass, error) {
	cfg := i.config()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	origin := strings.TrimRight(cfg.AppURL, "/")
	if cfg.isLocal() {
		origin = localOrigin
	}

	claims := jwt.MapClaims{
		"iss":     cfg.ServiceAccountEmail,
		"aud":     "google",
		"typ":     "savetowallet",
		"iat":     i.nowFunc().Unix(),
		"origins": []string{origin},
		"payload": map[string]any{
			"genericObjects": []genericObject{i.buildObject(cfg, content)},
		},
	}

	token, err := i.signer.Sign(ctx, cfg.PrivateKey, claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}

	return &Pass{
		Token:   token,
		SaveURL: saveURLPrefix + token,
	}, nil
}
