// Package llm 定义决策预言机：它读取上下文文档并返回一次决策（想法、可选的策略更新
// 与至多三条请求提案）。具体的模型供应商位于子包中。
package llm
