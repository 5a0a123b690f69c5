package handler

import (
	"github.com/gin-gonic/gin"

	"inboxzero/internal/model"
)

const (
	// ContextUserID JWT 中间件写入的用户 id
	ContextUserID = "user_id"
	// ContextAccount 账号中间件写入的 *model.EmailAccount
	ContextAccount = "email_account"
	// AccountHeader 选择当前邮箱账号
	AccountHeader = "X-Email-Account-ID"
)

func userID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}

func currentAccount(c *gin.Context) *model.EmailAccount {
	v, _ := c.Get(ContextAccount)
	a, _ := v.(*model.EmailAccount)
	return a
}

// ok webhook 统一响应，避免服务商重试
func ok(c *gin.Context) {
	c.JSON(200, gin.H{"ok": true})
}
