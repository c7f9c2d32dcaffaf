// Package workspace 封装外部 VM 工作区服务：新生智能体在提交后尽力申请一个工作区，
// 失败只记录日志，不影响智能体的存在。
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provisioner 为智能体准备执行沙箱。
type Provisioner interface {
	Configured() bool
	Setup(ctx context.Context, agentID, name string) error
}

// Noop 是未配置工作区服务时使用的实现。
type Noop struct{}

// Configured 始终返回 false。
func (Noop) Configured() bool { return false }

// Setup 不做任何事。
func (Noop) Setup(context.Context, string, string) error { return nil }

const defaultTimeout = 30 * time.Second

// Config 描述工作区服务的 HTTP 端点。
type Config struct {
	Endpoint string        `json:"endpoint" yaml:"endpoint"`
	Token    string        `json:"token" yaml:"token"`
	Image    string        `json:"image" yaml:"image"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// HTTP 通过 POST {endpoint}/workspaces 申请工作区。
type HTTP struct {
	endpoint   string
	token      string
	image      string
	httpClient *http.Client
}

// New 根据配置返回 Provisioner，端点为空时返回 Noop。
func New(cfg Config) Provisioner {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return Noop{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTP{
		endpoint:   endpoint,
		token:      strings.TrimSpace(cfg.Token),
		image:      strings.TrimSpace(cfg.Image),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured 实现 Provisioner。
func (h *HTTP) Configured() bool { return h != nil && h.endpoint != "" }

// Setup 实现 Provisioner。
func (h *HTTP) Setup(ctx context.Context, agentID, name string) error {
	if !h.Configured() {
		return errors.New("工作区服务未配置")
	}
	payload, err := json.Marshal(map[string]string{
		"agent_id": agentID,
		"name":     name,
		"image":    h.image,
	})
	if err != nil {
		return fmt.Errorf("序列化工作区请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/workspaces", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构建工作区请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求工作区服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("工作区服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
