package client

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/dreamlayer/imagegen-client/pkg/client/dto"
)

const (
	DefaultModel         = "runware:100@1"
	DefaultWidth         = 1024
	DefaultHeight        = 1024
	DefaultSteps         = 4
	DefaultCFGScale      = 1
	DefaultStrength      = 0.8
	DefaultScheduler     = "FlowMatchEulerDiscreteScheduler"
	DefaultOutputFormat  = "WEBP"
	DefaultNumberResults = 1

	defaultRequestTimeout = 2 * time.Minute
	defaultAuthTimeout    = 10 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultReconnectDelay = 2 * time.Second
	defaultMaxReconnects  = 3
	maxReconnectCeiling   = 5
)

// Config carries the caller-supplied settings for one client instance.
// Sampling defaults are deliberately configuration, not policy: the interactive
// and server-side deployments of this protocol historically disagreed on
// steps/scheduler, so embedders set their own here. Timeouts are duration
// strings (e.g. "30s"); unparseable or empty values fall back to defaults.
type Config struct {
	Url            string  `json:"url" yaml:"url"`
	ApiKey         string  `json:"apiKey" yaml:"apiKey"`
	Model          string  `json:"model,omitempty" yaml:"model,omitempty"`
	Width          int     `json:"width,omitempty" yaml:"width,omitempty"`
	Height         int     `json:"height,omitempty" yaml:"height,omitempty"`
	Steps          int     `json:"steps,omitempty" yaml:"steps,omitempty"`
	CFGScale       float64 `json:"cfgScale,omitempty" yaml:"cfgScale,omitempty"`
	Scheduler      string  `json:"scheduler,omitempty" yaml:"scheduler,omitempty"`
	Strength       float64 `json:"strength,omitempty" yaml:"strength,omitempty"`
	OutputFormat   string  `json:"outputFormat,omitempty" yaml:"outputFormat,omitempty"`
	NumberResults  int     `json:"numberResults,omitempty" yaml:"numberResults,omitempty"`
	RequestTimeout string  `json:"requestTimeout,omitempty" yaml:"requestTimeout,omitempty"`
	AuthTimeout    string  `json:"authTimeout,omitempty" yaml:"authTimeout,omitempty"`
	ConnectTimeout string  `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`
	// MaxReconnectAttempts bounds consecutive reconnects after unexpected
	// closures (default 3, capped at 5).
	MaxReconnectAttempts int    `json:"maxReconnectAttempts,omitempty" yaml:"maxReconnectAttempts,omitempty"`
	ReconnectBaseDelay   string `json:"reconnectBaseDelay,omitempty" yaml:"reconnectBaseDelay,omitempty"`
}

// Client is the single public surface over the connection, handshake and
// correlation machinery. One instance owns one logical connection; it is safe
// for concurrent use.
type Client interface {
	// Connect eagerly establishes and authenticates the connection. Optional:
	// GenerateImage connects on demand.
	Connect(ctx context.Context) error
	GenerateImage(ctx context.Context, prompt string, opts ...GenerateOption) (*dto.GeneratedImage, error)
	// Cancel abandons a pending request, releasing its timer and callback
	// without waiting for the provider's reply.
	Cancel(taskUUID string)
	// SessionUUID returns the provider-assigned connection session, empty
	// before the first successful handshake.
	SessionUUID() string
	Close() error
}

type Option func(c *imageClient)

// WithLogger attaches a structured logger; the default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *imageClient) {
		c.log = log
	}
}

// WithTransport substitutes the transport, e.g. an in-process fake in tests.
func WithTransport(t Transport) Option {
	return func(c *imageClient) {
		c.transport = t
	}
}

// WithStore persists successful generations to an external gallery store.
// Store failures are logged and never reported as generation failures.
func WithStore(store Store, userID string) Option {
	return func(c *imageClient) {
		c.store = store
		c.userID = userID
	}
}

type imageClient struct {
	cfg            Config
	log            zerolog.Logger
	transport      Transport
	correlator     *correlator
	auth           *authStep
	router         *router
	conn           *connManager
	store          Store
	userID         string
	requestTimeout time.Duration
}

func NewClient(cfg Config, opts ...Option) (Client, error) {
	if strings.TrimSpace(cfg.Url) == "" {
		return nil, &ConfigurationError{Reason: "endpoint URL must not be empty"}
	}
	if strings.TrimSpace(cfg.ApiKey) == "" {
		return nil, &ConfigurationError{Reason: "API key must not be empty"}
	}

	c := &imageClient{
		cfg:            cfg,
		log:            zerolog.Nop(),
		requestTimeout: durationOrDefault(cfg.RequestTimeout, defaultRequestTimeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewWebsocketTransport(c.log)
	}

	maxAttempts := lo.If(cfg.MaxReconnectAttempts > 0, cfg.MaxReconnectAttempts).Else(defaultMaxReconnects)
	if maxAttempts > maxReconnectCeiling {
		maxAttempts = maxReconnectCeiling
	}

	c.correlator = newCorrelator()
	c.auth = newAuthStep(durationOrDefault(cfg.AuthTimeout, defaultAuthTimeout))
	c.router = newRouter(c.correlator, c.auth, c.log)
	c.transport.OnMessage(c.router.handleFrame)
	c.conn = newConnManager(cfg.Url, cfg.ApiKey, c.transport, c.auth, c.correlator,
		maxAttempts,
		durationOrDefault(cfg.ReconnectBaseDelay, defaultReconnectDelay),
		durationOrDefault(cfg.ConnectTimeout, defaultConnectTimeout),
		c.log)
	return c, nil
}

func (c *imageClient) Connect(ctx context.Context) error {
	return c.conn.connect(ctx)
}

func (c *imageClient) SessionUUID() string {
	return c.conn.session()
}

func (c *imageClient) Cancel(taskUUID string) {
	c.correlator.cancel(taskUUID)
}

type settledOutcome struct {
	res *dto.TaskResult
	err error
}

func (c *imageClient) GenerateImage(ctx context.Context, prompt string, opts ...GenerateOption) (*dto.GeneratedImage, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, &ConfigurationError{Reason: "prompt must not be empty"}
	}
	task, err := c.buildTask(prompt, opts)
	if err != nil {
		return nil, err
	}

	if err := c.conn.ensureReady(ctx); err != nil {
		return nil, err
	}

	ch := make(chan settledOutcome, 1)
	if err := c.correlator.register(task.TaskUUID, c.requestTimeout, func(res *dto.TaskResult, err error) {
		ch <- settledOutcome{res: res, err: err}
	}); err != nil {
		return nil, err
	}

	frame, err := dto.Envelope(task)
	if err != nil {
		c.correlator.cancel(task.TaskUUID)
		return nil, errors.Wrapf(err, "failed to marshal task %s", task.TaskUUID)
	}
	if err := c.conn.send(frame); err != nil {
		c.correlator.cancel(task.TaskUUID)
		return nil, err
	}
	c.log.Debug().Str("taskUUID", task.TaskUUID).Msg("generation request sent")

	select {
	case outcome := <-ch:
		if outcome.err != nil {
			return nil, outcome.err
		}
		img := &dto.GeneratedImage{
			TaskUUID:       outcome.res.TaskUUID,
			PositivePrompt: task.PositivePrompt,
			ImageUUID:      outcome.res.ImageUUID,
			ImageURL:       outcome.res.ImageURL,
			Seed:           outcome.res.Seed,
			NSFWContent:    outcome.res.NSFWContent,
		}
		c.persist(ctx, img)
		return img, nil
	case <-ctx.Done():
		c.correlator.cancel(task.TaskUUID)
		return nil, ctx.Err()
	}
}

func (c *imageClient) buildTask(prompt string, opts []GenerateOption) (dto.RequestFrame, error) {
	task := dto.RequestFrame{
		TaskType:       dto.TaskTypeImageInference,
		TaskUUID:       uuid.New().String(),
		PositivePrompt: prompt,
		Model:          lo.If(c.cfg.Model != "", c.cfg.Model).Else(DefaultModel),
		Width:          lo.If(c.cfg.Width != 0, c.cfg.Width).Else(DefaultWidth),
		Height:         lo.If(c.cfg.Height != 0, c.cfg.Height).Else(DefaultHeight),
		NumberResults:  lo.If(c.cfg.NumberResults != 0, c.cfg.NumberResults).Else(DefaultNumberResults),
		Steps:          lo.If(c.cfg.Steps != 0, c.cfg.Steps).Else(DefaultSteps),
		CFGScale:       lo.If(c.cfg.CFGScale != 0, c.cfg.CFGScale).Else(float64(DefaultCFGScale)),
		Scheduler:      lo.If(c.cfg.Scheduler != "", c.cfg.Scheduler).Else(DefaultScheduler),
		Strength:       lo.If(c.cfg.Strength != 0, c.cfg.Strength).Else(DefaultStrength),
		Lora:           []dto.Lora{},
		OutputFormat:   lo.If(c.cfg.OutputFormat != "", c.cfg.OutputFormat).Else(DefaultOutputFormat),
	}
	for _, opt := range opts {
		opt(&task)
	}
	if task.Width <= 0 || task.Height <= 0 {
		return dto.RequestFrame{}, &ConfigurationError{Reason: "width and height must be positive"}
	}
	return task, nil
}

// persist hands the result to the gallery store. The image was produced either
// way, so a store failure is logged, never returned.
func (c *imageClient) persist(ctx context.Context, img *dto.GeneratedImage) {
	if c.store == nil {
		return
	}
	rec := GenerationRecord{
		UserID:    c.userID,
		Prompt:    img.PositivePrompt,
		ImageURL:  img.ImageURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.SaveGeneration(ctx, rec); err != nil {
		c.log.Warn().Err(err).Str("taskUUID", img.TaskUUID).Msg("failed to persist generation")
	}
}

func (c *imageClient) Close() error {
	return c.conn.close()
}

// GenerateOption overrides one sampling parameter for a single call.
type GenerateOption func(task *dto.RequestFrame)

func WithSize(width, height int) GenerateOption {
	return func(task *dto.RequestFrame) {
		task.Width = width
		task.Height = height
	}
}

func WithModel(model string) GenerateOption {
	return func(task *dto.RequestFrame) {
		task.Model = model
	}
}

func WithSteps(steps int) GenerateOption {
	return func(task *dto.RequestFrame) {
		task.Steps = steps
	}
}

func WithCFGScale(scale float64) GenerateOption {
	return func(task *dto.RequestFrame) {
		task.CFGScale = scale
	}
}

func WithScheduler(scheduler string) GenerateOption {
	return func(task *dto.RequestFrame) {
		task.Scheduler = scheduler
	}
}

func WithStrength(strength float64) GenerateOption {
	return func(task *dto.RequestFrame) {
		task.Strength = strength
	}
}

func WithOutputFormat(format string) GenerateOption {
	return func(task *dto.RequestFrame) {
		task.OutputFormat = format
	}
}

func WithNumberResults(n int) GenerateOption {
	return func(task *dto.RequestFrame) {
		task.NumberResults = n
	}
}

func WithLora(lora ...dto.Lora) GenerateOption {
	return func(task *dto.RequestFrame) {
		task.Lora = lora
	}
}

func durationOrDefault(value string, def time.Duration) time.Duration {
	if dur, err := time.ParseDuration(value); err == nil {
		return dur
	}
	return def
}
