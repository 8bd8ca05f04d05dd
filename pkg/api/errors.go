package api

import "github.com/gin-gonic/gin"

// writeError sends a JSON error body with the given status.
func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}
