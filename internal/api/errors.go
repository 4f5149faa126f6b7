package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/apperr"
	"go.uber.org/zap"
)

// respondError writes err as {"error": ...} with the status apperr maps it
// to. Errors outside the taxonomy are logged and hidden behind msg.
func respondError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	status := apperr.HTTPStatus(err)
	if apperr.IsInternal(err) {
		logger.Error(msg, zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	if d := apperr.RetryAfter(err); d > 0 {
		c.Header("Retry-After", strconv.Itoa(int(d.Seconds())+1))
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": apperr.Code(err)})
}

// uuidParam parses a path parameter, answering 400 when it is not a uuid.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}
