package protocol

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentgate/internal/auth"
)

// MaxBodyBytes bounds one request envelope.
const MaxBodyBytes = 1 << 20

// RegisterRoutes mounts the protocol endpoint.
func (d *Dispatcher) RegisterRoutes(r gin.IRouter) {
	r.POST("/mcp", d.ServeHTTP)
}

// ServeHTTP answers one protocol request. Notifications get 202 and no body;
// everything else, including JSON-RPC errors, is a 200 with an envelope.
func (d *Dispatcher) ServeHTTP(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, errorResponse(nullID(),
			newRPCError(CodeInvalidRequest, "request body too large")))
		return
	}

	resp := d.Handle(c.Request.Context(), body, auth.CredentialFromRequest(c.Request))
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}
