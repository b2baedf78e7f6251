// Package api 暴露运行编排的 REST 接口：提交与查询运行、
// 提交确认与接管决策、查看设备与轨迹，以及 /metrics 指标端点。
package api
