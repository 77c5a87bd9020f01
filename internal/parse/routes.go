package parse

import "github.com/gin-gonic/gin"

// RouteConfig は RegisterRoutes の依存関係です。
type RouteConfig struct {
	Submit SubmitConfig
	Reader JobReader
	Info   InfoConfig
}

// RegisterRoutes は /api/v1 配下に解析APIを登録します。
func RegisterRoutes(api *gin.RouterGroup, cfg RouteConfig) {
	api.GET("/info", InfoHandler(cfg.Info))
	api.GET("/jobs", ListHandler(cfg.Reader))

	parse := api.Group("/parse")
	{
		parse.POST("/document", SubmitHandler(cfg.Submit))
		parse.GET("/jobs/:id", StatusHandler(cfg.Reader))

		results := parse.Group("/results/:id")
		results.GET("", ResultHandler(cfg.Reader))
		results.DELETE("", DeleteResultHandler(cfg.Reader))
		results.GET("/texts", TextsHandler(cfg.Reader))
		results.GET("/tables", TablesHandler(cfg.Reader))
		results.GET("/tables/export", TablesExportHandler(cfg.Reader))
		results.GET("/images", ImagesHandler(cfg.Reader))
		results.GET("/export/markdown", MarkdownExportHandler(cfg.Reader))
		results.GET("/export/json", JSONExportHandler(cfg.Reader))
	}
}
