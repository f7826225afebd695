package api

import (
	"errors"
	"net/http"
	"time"

	"bossdb_rag_go_backend/cmd/api/config"
	"bossdb_rag_go_backend/internal/auth"
	apperrors "bossdb_rag_go_backend/internal/errors"
	"bossdb_rag_go_backend/internal/services"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, chat *services.RAGChatService) {
	sessions := chat.Sessions()
	api := r.Group("/api")
	{
		api.GET("/starters", getStartersHandler)
		api.POST("/chat/sessions", auth.ClientMiddleware(), startSessionHandler(sessions))
		api.POST("/chat/sessions/:session_id/messages", auth.SessionMiddleware(sessions), sendMessageHandler(chat))
		api.GET("/chat/sessions/:session_id/messages", auth.SessionMiddleware(sessions), getSessionMessagesHandler(chat))
		api.DELETE("/chat/sessions/:session_id", endSessionHandler(sessions))
		api.GET("/usage/:session_id", getUsageHandler(chat))
	}
}

// ToHTTPError maps service errors to the response the user sees.
func ToHTTPError(err error, limits config.LimitsConfig) *apperrors.CustomError {
	var limitErr *services.LimitExceededError
	switch {
	case errors.As(err, &limitErr):
		return apperrors.New429Error(services.RefusalMessage(err, limits), err, gin.H{"kind": limitErr.Kind})
	case errors.Is(err, services.ErrUpstreamUnavailable):
		return apperrors.New503Error(services.FailureMessage, err)
	case errors.Is(err, services.ErrSessionNotFound):
		return apperrors.New404Error("Chat session not found")
	case errors.Is(err, services.ErrThreadNotFound):
		return apperrors.New404Error("Chat thread not found")
	case errors.Is(err, services.ErrUserNotFound):
		return apperrors.New404Error("User not found")
	case errors.Is(err, services.ErrPersistence):
		return apperrors.NewPersistenceError("Your message could not be saved. Please try again.", err, nil)
	}
	return apperrors.New500Error(err)
}

func getStartersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"starters": services.StarterQuestions})
}

func startSessionHandler(sessions *services.ChatSessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := sessions.StartSession(c.Request.Context(), auth.ClientAddr(c))
		if err != nil {
			apperrors.HandleError(c, apperrors.New500Error(err))
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"session_id": session.ID,
			"thread_id":  session.ThreadID,
		})
	}
}

func sendMessageHandler(chat *services.RAGChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var request struct {
			Content string `json:"content" binding:"required"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			apperrors.HandleError(c, apperrors.New400Error(err.Error()))
			return
		}

		session, _ := auth.Session(c)
		result, err := chat.SendMessage(c.Request.Context(), session.ID, request.Content)
		if err != nil {
			apperrors.HandleError(c, ToHTTPError(err, chat.Limits()))
			return
		}

		c.JSON(http.StatusOK, turnResponse(result))
	}
}

func turnResponse(result services.TurnResult) gin.H {
	return gin.H{
		"response":     result.Response + services.FormatSources(result.Sources),
		"answer":       result.Response,
		"sources":      result.Sources,
		"memory_state": result.MemoryState,
		"usage":        result.Usage,
		"refused":      result.Refused,
	}
}

func endSessionHandler(sessions *services.ChatSessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := sessions.EndSession(c.Request.Context(), c.Param("session_id"), services.UserInitiated)
		if err != nil {
			apperrors.HandleError(c, ToHTTPError(err, config.LimitsConfig{}))
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Chat session ended"})
	}
}

// getSessionMessagesHandler serves the transcript of the caller's own thread.
func getSessionMessagesHandler(chat *services.RAGChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, _ := auth.Session(c)
		messages, err := chat.Transcript(c.Request.Context(), session.ThreadID)
		if err != nil {
			apperrors.HandleError(c, ToHTTPError(err, chat.Limits()))
			return
		}

		out := make([]gin.H, len(messages))
		for i, msg := range messages {
			out[i] = gin.H{
				"content":   msg.Content,
				"is_user":   msg.IsUser,
				"timestamp": msg.Timestamp.Format(time.RFC3339Nano),
			}
		}
		c.JSON(http.StatusOK, gin.H{"thread_id": session.ThreadID, "messages": out})
	}
}

func getUsageHandler(chat *services.RAGChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		usage, err := chat.Usage(c.Request.Context(), c.Param("session_id"))
		if err != nil {
			apperrors.HandleError(c, ToHTTPError(err, chat.Limits()))
			return
		}
		c.JSON(http.StatusOK, usage)
	}
}
