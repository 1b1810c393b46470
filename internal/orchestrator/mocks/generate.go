package mocks

// Mock implementations used by tests
//go:generate mockgen -destination=./mock_executor_proxy.go -package=mocks "github.com/G-Research/imagery-orchestrator/internal/orchestrator/executor" ExecutorProxy
