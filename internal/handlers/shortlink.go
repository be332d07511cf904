package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (a *APIStore) GetShortLink(c *gin.Context) {
	if a.shortLinks == nil {
		a.sendAPIStoreError(c, http.StatusNotFound, "Short link not found", nil)

		return
	}

	c.Redirect(http.StatusFound, a.shortLinks.Resolve(c.Request.Context(), c.Param("shortID")))
}
