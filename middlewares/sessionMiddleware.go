package middlewares

import (
	"context"
	"net/http"

	"bitbucket.org/mmdatafocus/printshop_backend/config"
	"bitbucket.org/mmdatafocus/printshop_backend/utils"
	"github.com/gin-gonic/gin"
)

// Session is what the login service stores under Token:<token>.
type Session struct {
	UserId    int    `json:"user_id"`
	Username  string `json:"username"`
	UserName  string `json:"name"`
	CompanyId string `json:"company_id"`
	BranchId  int    `json:"branch_id"`
	IsAdmin   bool   `json:"is_admin"`
}

func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		var session Session
		exists, err := config.GetRedisObject(c.Request.Context(), "Token:"+token, &session)
		if err != nil || !exists || session.CompanyId == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = withSession(ctx, session)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func withSession(ctx context.Context, s Session) context.Context {
	ctx = utils.SetUsernameInContext(ctx, s.Username)
	ctx = utils.SetUserIdInContext(ctx, s.UserId)
	ctx = utils.SetUserNameInContext(ctx, s.UserName)
	ctx = utils.SetCompanyIdInContext(ctx, s.CompanyId)
	if s.BranchId > 0 {
		ctx = utils.SetBranchIdInContext(ctx, s.BranchId)
	}
	if s.IsAdmin {
		ctx = utils.SetIsAdminInContext(ctx, true)
	}
	return ctx
}
