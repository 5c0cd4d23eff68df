package bootstrap

import (
	"log"
	"time"

	"studychat-be/internal/config"
	"studychat-be/internal/constant"
	"studychat-be/internal/controller"
	"studychat-be/internal/pkg/logger"
	"studychat-be/internal/pkg/serverutils"
	"studychat-be/internal/repository/memory"
	"studychat-be/internal/repository/unitofwork"
	"studychat-be/internal/service"
	"studychat-be/pkg/llm/factory"
	"studychat-be/pkg/prompt"

	"gorm.io/gorm"
)

type Container struct {
	AuthController controller.IAuthController
	ChatController controller.IChatController

	Logger logger.ILogger
}

func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core facades
	uowFactory := unitofwork.NewRepositoryFactory(db)
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")

	// 2. LLM provider
	llmProvider, err := factory.NewLLMProvider(
		cfg.Ai.LLMProvider,
		cfg.Ai.LLMModel,
		cfg.Ai.OllamaBaseURL,
		cfg.Ai.GoogleGemini,
	)
	if err != nil {
		log.Fatalf("[FATAL] Failed to initialize LLM Provider: %v", err)
	}
	log.Printf("[INFO] Using LLM Provider: %s (%s)", cfg.Ai.LLMProvider, cfg.Ai.LLMModel)

	promptBuilder := &prompt.Builder{
		SystemInstruction: constant.SystemInstructionV1,
		ContextWindow:     cfg.Chat.ContextWindow,
	}

	// 3. Request guards
	jwtMiddleware := serverutils.NewJwtMiddleware(uowFactory, sysLogger)
	rateLimiter := memory.NewRateLimiter(
		cfg.Chat.RateLimitMax,
		time.Duration(cfg.Chat.RateLimitWindowSeconds)*time.Second,
	)

	// 4. Services
	tokenTTL := time.Duration(cfg.Auth.TokenTTLHours) * time.Hour
	authService := service.NewAuthService(uowFactory, tokenTTL)
	chatService := service.NewChatService(uowFactory, llmProvider, promptBuilder, sysLogger, cfg.Chat.ContextWindow)

	// 5. Controllers
	authController := controller.NewAuthController(authService, jwtMiddleware, tokenTTL)
	chatController := controller.NewChatController(chatService, rateLimiter, jwtMiddleware, sysLogger)

	return &Container{
		AuthController: authController,
		ChatController: chatController,
		Logger:         sysLogger,
	}
}
