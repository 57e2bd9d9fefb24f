package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/samcharles93/loraserve/internal/inference"
	"github.com/samcharles93/loraserve/internal/logger"
	"golang.org/x/time/rate"
)

type Options struct {
	Defaults inference.GenDefaults
	// RateLimit is the sustained number of inference requests per second.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int
	Logger    logger.Logger
}

type Server struct {
	engine   inference.Engine
	defaults inference.GenDefaults
	limiter  *rate.Limiter
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(engine inference.Engine, opts Options) *Server {
	s := &Server{
		engine:   engine,
		defaults: opts.Defaults,
		log:      opts.Logger,
		clock:    time.Now,
	}
	if s.defaults == (inference.GenDefaults{}) {
		s.defaults = inference.DefaultGenDefaults()
	}
	if s.log == nil {
		s.log = logger.Default()
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(opts.RateBurst, 1))
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(RequestID(s.log))

	limit := RateLimit(s.limiter)
	e.POST("/process", s.handleProcess, limit)
	e.POST("/tokenize", s.handleTokenize, limit)
	e.POST("/decode", s.handleDecode, limit)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleProcess(c *echo.Context) error {
	req, err := decodeJSON[ProcessRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	if err := req.validate(); err != nil {
		return writeBadRequest(c, err)
	}

	ctx := c.Request().Context()
	if req.NumSamples != nil && *req.NumSamples != 1 {
		logger.FromContext(ctx).Warn("num_samples ignored, generating one sample", "num_samples", *req.NumSamples)
	}

	ireq := inference.ResolveRequest(req.options(), s.defaults)
	res, err := s.engine.Process(ctx, &ireq)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, NewProcessResponse(res))
}

func (s *Server) handleTokenize(c *echo.Context) error {
	req, err := decodeJSON[TokenizeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	if err := req.validate(); err != nil {
		return writeBadRequest(c, err)
	}

	start := s.clock()
	ids, err := s.engine.Tokenize(c.Request().Context(), *req.Text, req.options())
	if err != nil {
		return writeEngineError(c, err)
	}
	if ids == nil {
		ids = []int{}
	}
	return c.JSON(http.StatusOK, TokenizeResponse{
		Tokens:      ids,
		RequestTime: s.clock().Sub(start).Seconds(),
	})
}

func (s *Server) handleDecode(c *echo.Context) error {
	req, err := decodeJSON[DecodeRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err)
	}
	if err := req.validate(); err != nil {
		return writeBadRequest(c, err)
	}

	start := s.clock()
	text, err := s.engine.Decode(c.Request().Context(), req.Tokens, req.SkipSpecialTokens)
	if err != nil {
		return writeEngineError(c, err)
	}
	return c.JSON(http.StatusOK, DecodeResponse{
		Text:        text,
		RequestTime: s.clock().Sub(start).Seconds(),
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	info := s.engine.Info()
	return c.JSON(http.StatusOK, HealthResponse{
		Status:        "ok",
		Model:         info.ModelDir,
		Adapter:       info.AdapterDir,
		BaseModel:     info.BaseModel,
		Arch:          info.Arch,
		ContextLength: info.ContextLength,
	})
}
