// Package cmd 提供 interceptor 命令行工具的所有子命令实现。
// 本文件实现输出格式化打印功能，支持 table、json、yaml 三种格式。
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oriys/interceptor/internal/domain"
	"github.com/oriys/interceptor/internal/gatewayclient"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Printer 是格式化输出的处理器。
type Printer struct {
	format string    // 输出格式：table、json 或 yaml
	writer io.Writer // 输出目标
}

// NewPrinter 创建一个新的 Printer 实例。
// 从 viper 配置中读取 output 格式，如果未配置则默认使用 table 格式。
func NewPrinter(w io.Writer) *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: w}
}

// print 按格式输出，table 格式交给 table 回调
func (p *Printer) print(v interface{}, table func() error) error {
	switch p.format {
	case "json":
		return p.printJSON(v)
	case "yaml":
		return p.printYAML(v)
	default:
		return table()
	}
}

// PrintConfig 打印代理配置
func (p *Printer) PrintConfig(cfg *domain.ProxyConfiguration) error {
	return p.print(cfg, func() error {
		fmt.Fprintf(p.writer, "Target: %s:%d\n", cfg.TargetHostname, cfg.TargetPort)
		p.printRules("Request Modifications:", cfg.RequestModifications)
		p.printRules("Response Modifications:", cfg.ResponseModifications)
		return nil
	})
}

func (p *Printer) printRules(title string, rules domain.Rules) {
	fmt.Fprintln(p.writer, title)
	if len(rules) == 0 {
		fmt.Fprintln(p.writer, "  (none)")
		return
	}
	keys := make([]string, 0, len(rules))
	for k := range rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(p.writer, "  %s = %s\n", k, string(rules[k]))
	}
}

// PrintTraffic 打印流量记录列表
func (p *Printer) PrintTraffic(records []domain.TrafficRecord) error {
	return p.print(records, func() error {
		if len(records) == 0 {
			fmt.Fprintln(p.writer, "No traffic found.")
			return nil
		}
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tORIGIN\tMETHOD\tURL\tSTATUS\tCREATED")
		for _, rec := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				truncate(rec.ID, 12),
				rec.Origin,
				rec.Method,
				truncate(rec.URL, 48),
				colorStatus(rec.StatusCode),
				timeAgo(rec.CreatedAt),
			)
		}
		return w.Flush()
	})
}

// PrintScripts 打印脚本列表
func (p *Printer) PrintScripts(list *gatewayclient.ScriptList) error {
	return p.print(list, func() error {
		if len(list.Scripts) == 0 {
			fmt.Fprintln(p.writer, "No scripts found.")
			return nil
		}
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tRUNTIME\tDESCRIPTION\tUPDATED")
		for _, s := range list.Scripts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ID,
				s.Name,
				s.Runtime,
				truncate(s.Description, 40),
				timeAgo(s.UpdatedAt),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(p.writer, "\nPage %d, %d of %d scripts\n", list.Page, len(list.Scripts), list.Total)
		return nil
	})
}

// PrintScript 打印单个脚本详情
func (p *Printer) PrintScript(s *domain.Script) error {
	return p.print(s, func() error {
		fmt.Fprintf(p.writer, "Name:        %s\n", s.Name)
		fmt.Fprintf(p.writer, "ID:          %s\n", s.ID)
		fmt.Fprintf(p.writer, "Runtime:     %s\n", s.Runtime)
		fmt.Fprintf(p.writer, "Description: %s\n", s.Description)
		fmt.Fprintf(p.writer, "Created:     %s\n", s.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(p.writer, "Updated:     %s\n", s.UpdatedAt.Format(time.RFC3339))
		if s.Code != "" && s.Runtime != domain.RuntimeWasm {
			fmt.Fprintln(p.writer, "\nCode:")
			fmt.Fprintln(p.writer, "---")
			fmt.Fprintln(p.writer, s.Code)
			fmt.Fprintln(p.writer, "---")
		}
		return nil
	})
}

// PrintOutcome 打印脚本执行结果
func (p *Printer) PrintOutcome(o *domain.ExecutionOutcome) error {
	return p.print(o, func() error {
		fmt.Fprintf(p.writer, "Script:   %s\n", o.ScriptID)
		fmt.Fprintf(p.writer, "State:    %s\n", o.State)
		fmt.Fprintf(p.writer, "Duration: %d ms\n", o.DurationMs)
		fmt.Fprintln(p.writer, "\nResult:")
		p.printBody(o.Result)
		return nil
	})
}

// PrintRequest 打印请求
func (p *Printer) PrintRequest(req *domain.HTTPRequest) error {
	return p.print(req, func() error {
		fmt.Fprintf(p.writer, "%s %s\n", req.Method, req.URL)
		p.printHeaders(req.Headers)
		p.printBody(req.Body)
		return nil
	})
}

// PrintResponse 打印响应
func (p *Printer) PrintResponse(resp *domain.HTTPResponse) error {
	return p.print(resp, func() error {
		fmt.Fprintf(p.writer, "Status: %s\n", colorStatus(resp.StatusCode))
		p.printHeaders(resp.Headers)
		p.printBody(resp.Body)
		return nil
	})
}

// PrintInjectResult 打印注入结果
func (p *Printer) PrintInjectResult(res *gatewayclient.InjectResult) error {
	return p.print(res, func() error {
		fmt.Fprintf(p.writer, "Origin: %s\n", res.Origin)
		if res.RecordID != "" {
			fmt.Fprintf(p.writer, "Record: %s\n", res.RecordID)
		}
		return p.PrintResponse(&res.HTTPResponse)
	})
}

func (p *Printer) printHeaders(h domain.Headers) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(p.writer, "%s: %s\n", k, h[k])
	}
}

func (p *Printer) printBody(body json.RawMessage) {
	if len(body) == 0 {
		return
	}
	fmt.Fprintln(p.writer)
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err == nil {
		fmt.Fprintln(p.writer, pretty.String())
	} else {
		fmt.Fprintln(p.writer, string(body))
	}
}

// printJSON 以 JSON 格式输出数据，使用 2 空格缩进。
func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML 以 YAML 格式输出数据。
// 先经过 JSON 往返，使字段名与 API 保持一致。
func (p *Printer) printYAML(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(generic)
}

// ====== 辅助函数 ======

// colorStatus 根据状态码返回带颜色的字符串。
//   - 绿色: 2xx
//   - 黄色: 3xx、4xx
//   - 红色: 5xx
func colorStatus(code int) string {
	s := fmt.Sprint(code)
	switch {
	case code >= 200 && code < 300:
		return "\033[32m" + s + "\033[0m"
	case code >= 300 && code < 500:
		return "\033[33m" + s + "\033[0m"
	case code >= 500:
		return "\033[31m" + s + "\033[0m"
	default:
		return s
	}
}

// timeAgo 将时间转换为相对时间字符串，例如 "5s ago"、"3m ago"。
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	d := time.Since(t)

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// truncate 截断字符串到指定长度，超出部分以 "..." 结尾。
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// parseJSONArg 解析命令行传入的 JSON，"@path" 形式从文件读取
func parseJSONArg(raw string, readFile func(string) ([]byte, error), v interface{}) error {
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		var err error
		if data, err = readFile(raw[1:]); err != nil {
			return fmt.Errorf("failed to read %s: %w", raw[1:], err)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
