// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhodeslab/akauth/internal/device"
	"github.com/rhodeslab/akauth/internal/region"
	"github.com/rhodeslab/akauth/internal/upstream"
	"github.com/rhodeslab/akauth/pkg/errutil"
)

var tracer = otel.Tracer("akauth/auth")

// Identity provider endpoints.
const (
	endpointAuthRequest  = "account/yostar_auth_request"
	endpointAuthSubmit   = "account/yostar_auth_submit"
	endpointCreateLogin  = "user/yostar_createlogin"
	endpointCreateGuest  = "user/create"
	endpointPassportAuth = "user/login"
	endpointDeviceToken  = "user/v1/getToken"
	endpointSecret       = "account/login"
)

// stageRequestCode labels the code request, which precedes the handshake.
const stageRequestCode Stage = 0

// Fixed request values of the emulated client.
const (
	passportPlatform = "android"
	gamePlatform     = 1
	appID            = "1"
	authLanguage     = "en"
	yostarChannel    = "3"
)

// ConfigSource provides region metadata. *region.Store satisfies it.
type ConfigSource interface {
	Get(ctx context.Context, code region.Code) (region.Config, error)
}

// DeviceSource provides the device identity sent during login.
// *device.Provider satisfies it.
type DeviceSource interface {
	Current() device.Identity
}

// ChannelCredentials are the provider account uid and token produced by the
// credential stages. They can be replayed with LoginWithToken.
type ChannelCredentials struct {
	UID   string
	Token string
}

// LoginObserver is notified synchronously after every successful login or
// re-login, before the session is returned to the caller.
type LoginObserver func(ctx context.Context, s *Session)

// HandshakeOption configures a Handshake.
type HandshakeOption func(*Handshake)

// WithPassportURL overrides the identity provider base URL of one region.
func WithPassportURL(code region.Code, url string) HandshakeOption {
	return func(h *Handshake) {
		h.passports[code] = url
	}
}

// WithLoginObserver registers fn to be called after each successful login.
func WithLoginObserver(fn LoginObserver) HandshakeOption {
	return func(h *Handshake) {
		if fn != nil {
			h.observers = append(h.observers, fn)
		}
	}
}

// WithHandshakeLogger sets the handshake logger.
func WithHandshakeLogger(l *slog.Logger) HandshakeOption {
	return func(h *Handshake) {
		if l != nil {
			h.logger = l
		}
	}
}

// Handshake turns user credentials into an authenticated Session.
//
// A login runs five ordered calls; each consumes a credential produced by
// the one before it. Nothing is kept from a failed attempt, so a retry always
// starts over from the first stage.
type Handshake struct {
	client    *upstream.Client
	configs   ConfigSource
	devices   DeviceSource
	passports map[region.Code]string
	observers []LoginObserver
	logger    *slog.Logger
}

// NewHandshake creates a Handshake.
func NewHandshake(client *upstream.Client, configs ConfigSource, devices DeviceSource, opts ...HandshakeOption) *Handshake {
	h := &Handshake{
		client:    client,
		configs:   configs,
		devices:   devices,
		passports: make(map[region.Code]string, len(region.All)),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, code := range region.All {
		h.passports[code] = code.PassportURL()
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RequestCode asks the identity provider to email a one-time login code.
func (h *Handshake) RequestCode(ctx context.Context, email string, r region.Code) error {
	if strings.TrimSpace(email) == "" {
		return oops.Code(CodeInvalidInput).Wrap(fmt.Errorf("%w: email cannot be empty", ErrInvalidInput))
	}
	passport, err := h.passportURL(r)
	if err != nil {
		return err
	}

	body := map[string]any{
		"platform": passportPlatform,
		"account":  email,
		"authlang": authLanguage,
	}
	if err := h.call(ctx, stageRequestCode, r, upstream.JoinURL(passport, endpointAuthRequest), nil, body, nil); err != nil {
		return oops.Code("AUTH_CODE_REQUEST_FAILED").
			With("region", string(r)).
			Wrap(err)
	}

	h.logger.InfoContext(ctx, "login code requested", "region", string(r))
	return nil
}

// Login runs the full handshake with an emailed one-time code.
func (h *Handshake) Login(ctx context.Context, email, code string, r region.Code) (*Session, error) {
	uid, secret, err := h.login(ctx, email, code, r)
	if err != nil {
		return nil, err
	}
	s := NewSession(uid, secret, 0, r)
	h.notify(ctx, s)
	return s, nil
}

// LoginWithToken runs the handshake from a previously obtained provider
// account token, skipping the credential stages.
func (h *Handshake) LoginWithToken(ctx context.Context, channelUID, token string, r region.Code) (*Session, error) {
	ctx, span := tracer.Start(ctx, "auth.login_with_token",
		trace.WithAttributes(attribute.String("region", string(r))))
	defer span.End()

	if strings.TrimSpace(channelUID) == "" || strings.TrimSpace(token) == "" {
		return nil, oops.Code(CodeInvalidInput).Wrap(fmt.Errorf("%w: channel uid and token are required", ErrInvalidInput))
	}

	passport, err := h.passportURL(r)
	if err != nil {
		err = h.fail(ctx, StageAccessToken, r, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	uid, secret, err := h.complete(ctx, r, passport, h.devices.Current(), channelUID, token)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	RecordLogin(string(r), StatusSuccess)
	s := NewSession(uid, secret, 0, r)
	h.logger.InfoContext(ctx, "login succeeded", "uid", uid, "region", string(r), "method", "token")
	h.notify(ctx, s)
	return s, nil
}

// LoginAsGuest creates a new guest account bound to the current device and
// logs into it. The returned credentials are the only way back into the
// account, so callers should hand them to the user.
func (h *Handshake) LoginAsGuest(ctx context.Context, r region.Code) (*Session, ChannelCredentials, error) {
	ctx, span := tracer.Start(ctx, "auth.login_as_guest",
		trace.WithAttributes(attribute.String("region", string(r))))
	defer span.End()

	s, creds, err := h.loginAsGuest(ctx, r)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, ChannelCredentials{}, err
	}
	return s, creds, nil
}

func (h *Handshake) loginAsGuest(ctx context.Context, r region.Code) (*Session, ChannelCredentials, error) {
	passport, err := h.passportURL(r)
	if err != nil {
		return nil, ChannelCredentials{}, h.fail(ctx, StageAccountToken, r, err)
	}

	ids := h.devices.Current()
	creds, err := h.createGuest(ctx, r, passport, ids)
	if err != nil {
		return nil, ChannelCredentials{}, h.fail(ctx, StageAccountToken, r, err)
	}
	h.logger.InfoContext(ctx, "guest account created", "channel_uid", creds.UID, "region", string(r))

	uid, secret, err := h.complete(ctx, r, passport, ids, creds.UID, creds.Token)
	if err != nil {
		return nil, ChannelCredentials{}, err
	}

	RecordLogin(string(r), StatusSuccess)
	s := NewSession(uid, secret, 0, r)
	h.logger.InfoContext(ctx, "login succeeded", "uid", uid, "region", string(r), "method", "guest")
	h.notify(ctx, s)
	return s, creds, nil
}

// Relogin runs a full handshake in the session's region and installs the new
// identity into s. On failure s is left unchanged.
func (h *Handshake) Relogin(ctx context.Context, s *Session, email, code string) error {
	uid, secret, err := h.login(ctx, email, code, s.Region())
	if err != nil {
		return err
	}
	s.Replace(uid, secret)
	h.notify(ctx, s)
	return nil
}

func (h *Handshake) login(ctx context.Context, email, code string, r region.Code) (uid, secret string, err error) {
	ctx, span := tracer.Start(ctx, "auth.login",
		trace.WithAttributes(attribute.String("region", string(r))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(email) == "" || strings.TrimSpace(code) == "" {
		return "", "", oops.Code(CodeInvalidInput).Wrap(fmt.Errorf("%w: email and code are required", ErrInvalidInput))
	}

	passport, err := h.passportURL(r)
	if err != nil {
		return "", "", h.fail(ctx, StageSubmitCredentials, r, err)
	}

	ids := h.devices.Current()
	yostarUID, yostarToken, err := h.submitCredentials(ctx, r, passport, email, code)
	if err != nil {
		return "", "", h.fail(ctx, StageSubmitCredentials, r, err)
	}

	channelUID, accountToken, err := h.accountToken(ctx, r, passport, ids, email, yostarUID, yostarToken)
	if err != nil {
		return "", "", h.fail(ctx, StageAccountToken, r, err)
	}

	uid, secret, err = h.complete(ctx, r, passport, ids, channelUID, accountToken)
	if err != nil {
		return "", "", err
	}

	RecordLogin(string(r), StatusSuccess)
	h.logger.InfoContext(ctx, "login succeeded", "uid", uid, "region", string(r), "method", "code")
	return uid, secret, nil
}

// complete runs stages 3 to 5 with one device identity.
func (h *Handshake) complete(ctx context.Context, r region.Code, passport string, ids device.Identity, channelUID, token string) (uid, secret string, err error) {
	accessToken, err := h.accessToken(ctx, r, passport, ids, channelUID, token)
	if err != nil {
		return "", "", h.fail(ctx, StageAccessToken, r, err)
	}

	cfg, err := h.configs.Get(ctx, r)
	if err != nil {
		return "", "", h.fail(ctx, StageDeviceToken, r, err)
	}

	uid, deviceToken, err := h.deviceToken(ctx, r, cfg, ids, channelUID, accessToken)
	if err != nil {
		return "", "", h.fail(ctx, StageDeviceToken, r, err)
	}

	secret, err = h.secret(ctx, r, cfg, ids, uid, deviceToken)
	if err != nil {
		return "", "", h.fail(ctx, StageSecret, r, err)
	}
	return uid, secret, nil
}

func (h *Handshake) submitCredentials(ctx context.Context, r region.Code, passport, email, code string) (string, string, error) {
	body := map[string]any{
		"account": email,
		"code":    code,
	}
	var out struct {
		YostarUID   flexString `json:"yostar_uid"`
		YostarToken flexString `json:"yostar_token"`
	}
	err := h.call(ctx, StageSubmitCredentials, r, upstream.JoinURL(passport, endpointAuthSubmit), nil, body, &out)
	if err != nil {
		return "", "", err
	}
	if err := required(field{"yostar_uid", out.YostarUID}, field{"yostar_token", out.YostarToken}); err != nil {
		return "", "", err
	}
	return string(out.YostarUID), string(out.YostarToken), nil
}

func (h *Handshake) accountToken(ctx context.Context, r region.Code, passport string, ids device.Identity, email, yostarUID, yostarToken string) (string, string, error) {
	body := map[string]any{
		"yostar_username": email,
		"yostar_uid":      yostarUID,
		"yostar_token":    yostarToken,
		"deviceId":        ids.DeviceID,
		"createNew":       "0",
	}
	var out struct {
		UID   flexString `json:"uid"`
		Token flexString `json:"token"`
	}
	err := h.call(ctx, StageAccountToken, r, upstream.JoinURL(passport, endpointCreateLogin), nil, body, &out)
	if err != nil {
		return "", "", err
	}
	if err := required(field{"uid", out.UID}, field{"token", out.Token}); err != nil {
		return "", "", err
	}
	return string(out.UID), string(out.Token), nil
}

// createGuest registers a passport account for the device alone.
func (h *Handshake) createGuest(ctx context.Context, r region.Code, passport string, ids device.Identity) (ChannelCredentials, error) {
	body := map[string]any{
		"deviceId": ids.DeviceID,
	}
	var out struct {
		UID   flexString `json:"uid"`
		Token flexString `json:"token"`
	}
	err := h.call(ctx, StageAccountToken, r, upstream.JoinURL(passport, endpointCreateGuest), nil, body, &out)
	if err != nil {
		return ChannelCredentials{}, err
	}
	if err := required(field{"uid", out.UID}, field{"token", out.Token}); err != nil {
		return ChannelCredentials{}, err
	}
	return ChannelCredentials{UID: string(out.UID), Token: string(out.Token)}, nil
}

func (h *Handshake) accessToken(ctx context.Context, r region.Code, passport string, ids device.Identity, channelUID, token string) (string, error) {
	body := map[string]any{
		"platform": passportPlatform,
		"uid":      channelUID,
		"token":    token,
		"deviceId": ids.DeviceID,
	}
	var out struct {
		AccessToken flexString `json:"accessToken"`
	}
	err := h.call(ctx, StageAccessToken, r, upstream.JoinURL(passport, endpointPassportAuth), nil, body, &out)
	if err != nil {
		return "", err
	}
	if err := required(field{"accessToken", out.AccessToken}); err != nil {
		return "", err
	}
	return string(out.AccessToken), nil
}

func (h *Handshake) deviceToken(ctx context.Context, r region.Code, cfg region.Config, ids device.Identity, channelUID, accessToken string) (string, string, error) {
	base, ok := cfg.Domain(region.ServiceU8)
	if !ok {
		return "", "", missingDomain(r, region.ServiceU8)
	}

	channel := r.ChannelID()
	var extension any
	if channel == yostarChannel {
		extension = map[string]string{"uid": channelUID, "token": accessToken}
	} else {
		extension = map[string]string{"uid": channelUID, "access_token": accessToken}
	}
	ext, err := json.Marshal(extension)
	if err != nil {
		return "", "", oops.Code("AUTH_ENCODE_FAILED").Wrap(err)
	}

	body := map[string]any{
		"appId":      appID,
		"platform":   gamePlatform,
		"channelId":  channel,
		"subChannel": channel,
		"extension":  string(ext),
		"worldId":    channel,
		"deviceId":   ids.DeviceID,
		"deviceId2":  ids.DeviceID2,
		"deviceId3":  ids.DeviceID3,
	}
	var out struct {
		UID   flexString `json:"uid"`
		Token flexString `json:"token"`
	}
	if err := h.call(ctx, StageDeviceToken, r, upstream.JoinURL(base, endpointDeviceToken), nil, body, &out); err != nil {
		return "", "", err
	}
	if err := required(field{"uid", out.UID}, field{"token", out.Token}); err != nil {
		return "", "", err
	}
	return string(out.UID), string(out.Token), nil
}

func (h *Handshake) secret(ctx context.Context, r region.Code, cfg region.Config, ids device.Identity, uid, deviceToken string) (string, error) {
	base, ok := cfg.Domain(region.ServiceGame)
	if !ok {
		return "", missingDomain(r, region.ServiceGame)
	}

	header := http.Header{}
	header.Set("secret", "")
	header.Set("seqnum", "1")
	header.Set("uid", uid)

	body := map[string]any{
		"platform":       gamePlatform,
		"networkVersion": r.NetworkVersion(),
		"assetsVersion":  cfg.ResourceVersion,
		"clientVersion":  cfg.ClientVersion,
		"token":          deviceToken,
		"uid":            uid,
		"deviceId":       ids.DeviceID,
		"deviceId2":      ids.DeviceID2,
		"deviceId3":      ids.DeviceID3,
	}
	var out struct {
		Secret flexString `json:"secret"`
	}
	if err := h.call(ctx, StageSecret, r, upstream.JoinURL(base, endpointSecret), header, body, &out); err != nil {
		return "", err
	}
	if err := required(field{"secret", out.Secret}); err != nil {
		return "", err
	}
	return string(out.Secret), nil
}

// call posts body and decodes the response into out. A non-2xx status or a
// non-zero result field is an error.
func (h *Handshake) call(ctx context.Context, stage Stage, r region.Code, url string, header http.Header, body, out any) error {
	ctx, span := tracer.Start(ctx, "auth.handshake.call",
		trace.WithAttributes(
			attribute.String("region", string(r)),
			attribute.String("stage", stage.String()),
		))
	defer span.End()

	resp, err := h.client.PostJSON(ctx, url, header, body)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if !resp.OK() {
		return oops.Code("AUTH_UPSTREAM_STATUS").
			With("status", resp.StatusCode).
			Wrapf(ErrRequestRefused, "upstream returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Result *int `json:"result"`
	}
	if err := resp.Decode(&envelope); err != nil {
		return err
	}
	if envelope.Result != nil && *envelope.Result != 0 {
		return oops.Code("AUTH_UPSTREAM_RESULT").
			With("result", *envelope.Result).
			Wrapf(ErrRequestRefused, "upstream returned result %d", *envelope.Result)
	}

	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func (h *Handshake) passportURL(r region.Code) (string, error) {
	if !r.Valid() {
		return "", oops.Code(region.CodeUnknownRegion).
			With("region", string(r)).
			Wrap(region.ErrUnknownRegion)
	}
	url := h.passports[r]
	if url == "" || url == region.Unsupported {
		return "", oops.Code(CodeRegionUnsupported).
			With("region", string(r)).
			Wrap(ErrRegionUnsupported)
	}
	return url, nil
}

// fail wraps err as a stage failure, records it, and logs it.
func (h *Handshake) fail(ctx context.Context, stage Stage, r region.Code, err error) error {
	wrapped := oops.Code(CodeLoginStageFailed).
		With("stage", stage.String()).
		With("region", string(r)).
		Wrap(&StageError{Stage: stage, Err: err})
	RecordLogin(string(r), stage.String())
	errutil.LogErrorContext(ctx, h.logger, slog.LevelWarn, "login failed", wrapped)
	return wrapped
}

func (h *Handshake) notify(ctx context.Context, s *Session) {
	for _, fn := range h.observers {
		fn(ctx, s)
	}
}

func missingDomain(r region.Code, service string) error {
	return oops.Code(region.CodeConfigMalformed).
		With("region", string(r)).
		With("service", service).
		Wrapf(region.ErrConfigMalformed, "region has no %q domain", service)
}

type field struct {
	name  string
	value flexString
}

// required reports the first empty field.
func required(fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return oops.Code("AUTH_FIELD_MISSING").
				With("field", f.name).
				Errorf("response is missing %s", f.name)
		}
	}
	return nil
}

// flexString accepts a JSON string or number. The identity provider is not
// consistent about which it sends for ids.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
