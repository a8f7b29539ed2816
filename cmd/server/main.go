package main

import (
	"log"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"apiragfs/internal/conf"
	"apiragfs/internal/data"
	"apiragfs/internal/gemini"
	"apiragfs/internal/handler"
	"apiragfs/internal/middleware"
	"apiragfs/internal/repository"
	"apiragfs/internal/service"
)

func main() {
	// 1. 加载配置
	cfg := conf.LoadConfig()

	// 2. 初始化数据层 (Postgres, Redis, MinIO)
	d, cleanup, err := data.NewData(cfg)
	if err != nil {
		log.Fatalf("❌ 数据层初始化失败: %v", err)
	}
	defer cleanup()

	// 3. 初始化 Gemini File Search 客户端
	engine := gemini.NewClient(cfg.Gemini)

	// 4. 数据层封装
	objects := data.NewMinioStore(d.Minio, d.Bucket)
	cache := data.NewRedisCache(d.Redis)
	history := data.NewHistoryCache(cache, time.Duration(cfg.Data.HistoryTTL)*time.Second)
	userRepo := repository.NewUserRepository(d.DB)

	// 5. 初始化服务层
	registry := service.NewStoreRegistry(d.DB, engine)
	pipeline := service.NewIngestionPipeline(d.DB, engine, registry, cache, cfg.Gemini.UploadMaxWait)
	authService := service.NewAuthService(userRepo, cfg.Auth)
	docService := service.NewDocumentService(d.DB, objects, pipeline, cache, cfg.Upload, d.Bucket)
	chatService := service.NewChatService(d.DB, engine, history, cache, cfg.Gemini.SystemPrompt)
	storeService := service.NewStoreService(d.DB, registry)

	// 6. 初始化 Handler (控制器)
	authHandler := handler.NewAuthHandler(authService)
	docHandler := handler.NewDocumentHandler(docService)
	chatHandler := handler.NewChatHandler(chatService)
	storeHandler := handler.NewStoreHandler(storeService)

	// 7. 初始化 Gin Web Server
	r := gin.Default()
	r.Use(middleware.TraceMiddleware())

	// 🔥 关键：配置 CORS 跨域
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // 开发环境允许所有，生产环境建议指定前端域名
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Accept-Encoding", "X-CSRF-Token", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// 8. 注册路由
	api := r.Group("/api/v1")
	{
		// 用户认证模块
		auth := api.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
		}

		// 受保护的路由 (Protected Routes)
		protected := api.Group("/")
		protected.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
		{
			// 文档模块
			protected.POST("/documents/upload", docHandler.Upload)
			protected.GET("/documents", docHandler.List)
			protected.GET("/documents/:id", docHandler.Get)
			protected.DELETE("/documents/:id", docHandler.Delete)
			protected.POST("/documents/:id/reprocess", docHandler.Reprocess)
			protected.POST("/documents/reprocess", docHandler.ReprocessAll)
			protected.POST("/documents/validate-stores", docHandler.ValidateStores)
			protected.POST("/documents/:id/move-store", docHandler.MoveStore)

			// 对话模块
			protected.POST("/chat/sessions", chatHandler.CreateSession)
			protected.GET("/chat/sessions", chatHandler.ListSessions)
			protected.GET("/chat/sessions/:id", chatHandler.GetSession)
			protected.GET("/chat/sessions/:id/messages", chatHandler.Messages)
			protected.POST("/chat/sessions/:id/query", chatHandler.Query)
			protected.POST("/chat/sessions/:id/query-stream", chatHandler.QueryStream)
			protected.POST("/chat/sessions/:id/end", chatHandler.EndSession)
			protected.POST("/chat/sessions/cleanup", chatHandler.Cleanup)
			protected.GET("/chat/insights", chatHandler.Insights)
			protected.GET("/chat/example-questions", chatHandler.ExampleQuestions)

			// 分组 (RAG store) 管理
			protected.POST("/stores", storeHandler.Create)
			protected.GET("/stores", storeHandler.List)
			protected.GET("/stores/:id", storeHandler.Get)
			protected.PUT("/stores/:id", storeHandler.Update)
			protected.DELETE("/stores/:id", storeHandler.Delete)
		}
	}

	log.Printf("🚀 后端已启动，监听端口 :%s", cfg.App.Port)
	if err := r.Run(":" + cfg.App.Port); err != nil {
		log.Fatalf("❌ Server 启动失败: %v", err)
	}
}
