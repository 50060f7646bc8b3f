package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RespondOK sends a 200 OK response with the given data.
func RespondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// RespondCreated sends a 201 Created response. location, when set, names
// the new resource.
func RespondCreated(c *gin.Context, location string, data interface{}) {
	if location != "" {
		c.Header("Location", location)
	}
	c.JSON(http.StatusCreated, data)
}

// RespondList sends items under key. A nil slice is written as [] so
// clients never see null.
func RespondList[T any](c *gin.Context, key string, items []T) {
	if items == nil {
		items = []T{}
	}
	c.JSON(http.StatusOK, gin.H{key: items})
}

// RespondNoContent sends a 204 No Content response.
func RespondNoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
