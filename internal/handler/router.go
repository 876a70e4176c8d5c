package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps are the handlers mounted by NewRouter.
type RouterDeps struct {
	Chain  *ChainHandler
	Escrow *EscrowHandler
	Health *HealthHandler
}

func NewRouter(deps *RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(), Trace(), Metrics(), AccessLog())

	r.GET("/health/live", deps.Health.Live)
	r.GET("/health/ready", deps.Health.Ready)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/purchases", deps.Chain.SettlePurchase)
		v1.POST("/purchases/preflight", deps.Chain.Preflight)
		v1.GET("/purchases/:purchase_id", deps.Chain.GetPayment)
		v1.GET("/treasury", deps.Chain.GasTreasury)

		v1.POST("/escrows", deps.Escrow.CreateEscrow)
		teacher := v1.Group("/teachers/:teacher_id")
		teacher.GET("/escrows", deps.Escrow.ListEscrows)
		teacher.GET("/escrows/:escrow_id", deps.Escrow.GetEscrow)
		teacher.POST("/escrows/:escrow_id/accept", deps.Escrow.Accept)
		teacher.POST("/escrows/:escrow_id/reject", deps.Escrow.Reject)
		teacher.GET("/escrow-stats", deps.Escrow.Statistics)
	}

	admin := r.Group("/admin")
	{
		admin.POST("/reconcile", deps.Chain.TriggerReconciliation)
		admin.GET("/reconcile/:task_id", deps.Chain.ReconciliationStatus)
		admin.GET("/reconciliation-records", deps.Chain.ReconciliationRecords)
		admin.POST("/reconciliation-records/:id/resolve", deps.Chain.ResolveRecord)
		admin.POST("/escrows/sweep", deps.Escrow.Sweep)
	}
	return r
}
