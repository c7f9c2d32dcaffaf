// Package api 暴露 REST 接口：查询智能体与账本、提交与审批请求、发送控制者消息、
// 触发决策周期和死亡清扫，并通过 SSE 推送生命周期事件。
package api
