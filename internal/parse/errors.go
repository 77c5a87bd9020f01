// Package parse は文書解析APIのHTTPハンドラーを提供します。
package parse

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/parse-forge/internal/jobs"
)

// エラーコード
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUnsupportedFileType = "UNSUPPORTED_FILE_TYPE"
	CodeUnsupportedMimeType = "UNSUPPORTED_MIME_TYPE"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeProcessing          = "PROCESSING"
	CodeParsingFailed       = "PARSING_FAILED"
	CodeResultExpired       = "RESULT_EXPIRED"
	CodeQueueFull           = "QUEUE_FULL"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error はAPIで返却するエラーを表します。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func statusForCode(code string) int {
	switch code {
	case CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeJobNotFound:
		return http.StatusNotFound
	case CodeProcessing:
		return http.StatusAccepted
	case CodeParsingFailed, CodeInternal:
		return http.StatusInternalServerError
	case CodeResultExpired:
		return http.StatusGone
	case CodeQueueFull:
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrDispatcherClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    CodeQueueFull,
			"message": "現在混み合っています。しばらくしてから再度お試しください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternal,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
