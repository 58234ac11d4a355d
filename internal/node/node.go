// Package node is the contract between a running service and the admin
// HTTP surface that fronts it.
package node

import "github.com/gin-gonic/gin"

type Node interface {
	NodeID() string
	Kind() string
	// Ready reports whether the node is accepting work.
	Ready() bool
	HTTPRouter() *gin.Engine
}
