package httpapi

import (
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/paperrelay/internal/coordinator"
)

var panelTemplate = template.Must(template.New("panel").Funcs(template.FuncMap{
	"when": func(ms int64) string {
		if ms <= 0 {
			return ""
		}
		return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
	},
	"statusLabel": func(status coordinator.DownloadStatus) string {
		switch status {
		case coordinator.StatusCompleted:
			return "已完成"
		case coordinator.StatusFailed:
			return "失败"
		default:
			return "进行中"
		}
	},
}).Parse(panelHTML))

type panelView struct {
	Settings coordinator.Settings
	History  []coordinator.HistoryEntry
	Agents   int
	Token    string
}

const panelHTML = `<!doctype html>
<html lang="zh-CN">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>PaperRelay 控制面板</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", "PingFang SC", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }
    .shell { max-width: 880px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    h2 { margin: 0 0 10px; font-size: 1.05rem; }
    .muted { color: var(--muted); font-size: 0.9rem; }
    label.toggle { display: flex; justify-content: space-between; padding: 8px 0; border-bottom: 1px dashed var(--line); }
    input[type=text] { width: 100%; padding: 8px; border: 1px solid var(--line); border-radius: 8px; }
    button {
      border: 0;
      border-radius: 10px;
      padding: 8px 14px;
      background: var(--accent);
      color: #fff;
      cursor: pointer;
    }
    ul.history { list-style: none; margin: 0; padding: 0; }
    ul.history li { padding: 8px 0; border-bottom: 1px solid var(--line); }
    .status-failed { color: var(--danger); }
    #flash { min-height: 1.2em; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>PaperRelay</h1>
      <div class="muted">在线页面代理：{{.Agents}}</div>
    </div>
    <div class="card">
      <h2>功能设置</h2>
      <label class="toggle">自动下载 <input type="checkbox" data-setting="autoDownload" {{if .Settings.AutoDownload}}checked{{end}} /></label>
      <label class="toggle">搜索增强 <input type="checkbox" data-setting="enhanceSearch" {{if .Settings.EnhanceSearch}}checked{{end}} /></label>
      <label class="toggle">快捷工具栏 <input type="checkbox" data-setting="quickAccess" {{if .Settings.QuickAccess}}checked{{end}} /></label>
      <p>
        <input type="text" id="downloadPath" value="{{.Settings.DownloadPath}}" placeholder="下载目录" />
      </p>
      <button id="savePath">保存路径</button>
      <button id="search">搜索论文</button>
      <div id="flash" class="muted"></div>
    </div>
    <div class="card">
      <h2>下载历史</h2>
      {{if .History}}
      <ul class="history">
        {{range .History}}
        <li>
          <a href="{{.URL}}" target="_blank" rel="noopener">{{.Title}}</a>
          <div class="muted">{{when .Timestamp}} · {{.Source}} · <span class="status-{{.Status}}">{{statusLabel .Status}}</span></div>
        </li>
        {{end}}
      </ul>
      {{else}}
      <p class="muted">暂无下载历史</p>
      {{end}}
    </div>
  </div>
  <script>
    const token = {{.Token}};
    const flash = document.getElementById("flash");

    async function send(type, payload) {
      const res = await fetch("/v1/messages", {
        method: "POST",
        headers: {
          "Authorization": "Bearer " + token,
          "Content-Type": "application/json",
          "X-Correlation-Id": "panel_" + Date.now()
        },
        body: JSON.stringify({ type, payload })
      });
      const reply = await res.json();
      if (!res.ok || reply.error) {
        throw new Error(reply.error || reply.message || res.statusText);
      }
      return reply;
    }

    function report(promise) {
      promise.then(() => { flash.textContent = "已保存"; })
        .catch((err) => { flash.textContent = "保存失败: " + err.message; });
    }

    document.querySelectorAll("input[data-setting]").forEach((input) => {
      input.addEventListener("change", () => {
        report(send("UPDATE_SETTINGS", { [input.dataset.setting]: input.checked }));
      });
    });
    document.getElementById("savePath").addEventListener("click", () => {
      report(send("UPDATE_SETTINGS", { downloadPath: document.getElementById("downloadPath").value }));
    });
    document.getElementById("search").addEventListener("click", () => {
      report(send("SEARCH_PAPERS", ""));
    });
  </script>
</body>
</html>
`

// handlePanel renders the control panel: current settings, the download
// history and toggles that post UPDATE_SETTINGS back through /v1/messages.
func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorize(w, r, ScopeMessagesSend); !ok {
		return
	}
	ctx := r.Context()
	view := panelView{
		Settings: s.coord.Load(ctx),
		History:  s.coord.GetAll(ctx),
		Token:    strings.TrimSpace(strings.TrimPrefix(bearerFromRequest(r), "Bearer ")),
	}
	for _, origin := range s.coord.Hub().Origins() {
		if origin != "" {
			view.Agents++
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := panelTemplate.Execute(w, view); err != nil {
		s.logger.Error("render panel failed", "error", err)
	}
}
