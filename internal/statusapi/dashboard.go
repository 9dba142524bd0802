package statusapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>adcsync status</title>
  <style>
    :root { --ink: #15241c; --paper: #f5f7f2; --line: #cfd8c8; --ok: #2e8b57; --bad: #b8433a; --muted: #6c7a70; }
    * { box-sizing: border-box; }
    body { margin: 0; padding: 20px; font-family: "Avenir Next", "Segoe UI", sans-serif; color: var(--ink); background: var(--paper); }
    header { display: flex; gap: 12px; align-items: center; margin-bottom: 16px; }
    input { padding: 6px 8px; border: 1px solid var(--line); border-radius: 6px; width: 280px; }
    .cards { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 12px; margin-bottom: 16px; }
    .card { background: #fff; border: 1px solid var(--line); border-radius: 8px; padding: 12px; }
    .card b { display: block; font-size: 22px; }
    table { width: 100%; border-collapse: collapse; background: #fff; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); font-size: 13px; }
    .err { color: var(--bad); }
    .ok { color: var(--ok); }
    #status { color: var(--muted); }
  </style>
</head>
<body>
  <header>
    <h1>adcsync</h1>
    <input id="token" type="password" placeholder="admin token" />
    <span id="status">idle</span>
  </header>
  <section class="cards">
    <div class="card">queue<b id="queue">-</b></div>
    <div class="card">processed<b id="processed">-</b></div>
    <div class="card">retried<b id="retried">-</b></div>
    <div class="card">failed<b id="failed">-</b></div>
    <div class="card">portal session<b id="session">-</b></div>
    <div class="card">remote calls<b id="remote">-</b></div>
  </section>
  <table>
    <thead><tr><th>at</th><th>path</th><th>source</th><th>attempt</th><th>outcome</th></tr></thead>
    <tbody id="recent"></tbody>
  </table>
  <script>
    (function () {
      const $ = (id) => document.getElementById(id);
      const token = $("token");
      token.value = window.localStorage.getItem("adcsync_dashboard_token") || "";
      token.addEventListener("change", () => {
        window.localStorage.setItem("adcsync_dashboard_token", token.value);
        refresh();
      });

      function outcome(o) {
        if (o.error) return '<span class="err">' + escape(o.error) + "</span>";
        const r = o.result || {};
        if (r.uploaded) return '<span class="ok">uploaded (' + r.chunks + " chunks)</span>";
        return "skipped: " + escape(r.reason || "");
      }

      function escape(s) {
        return String(s).replace(/[&<>"]/g, (c) => ({ "&": "&amp;", "<": "&lt;", ">": "&gt;", '"': "&quot;" }[c]));
      }

      async function refresh() {
        const headers = token.value ? { Authorization: "Bearer " + token.value } : {};
        try {
          const resp = await fetch("/v1/admin/sync?limit=50", { headers });
          if (!resp.ok) {
            $("status").textContent = "http " + resp.status;
            return;
          }
          const data = await resp.json();
          const q = data.queue || {};
          $("queue").textContent = (q.queueDepth ?? "-") + " / " + (q.queueCapacity ?? "-");
          $("processed").textContent = q.processed ?? "-";
          $("retried").textContent = q.retried ?? "-";
          $("failed").textContent = q.failed ?? "-";
          $("session").textContent = data.session ? data.session.backend + " #" + data.session.generation : "-";
          const g = data.governor || {};
          $("remote").textContent = (g.remoteActive ?? 0) + " active, " + (g.remoteWaiting ?? 0) + " waiting";
          $("recent").innerHTML = (data.recent || []).slice().reverse().map((o) =>
            "<tr><td>" + escape(o.at) + "</td><td>" + escape(o.path) + "</td><td>" + escape(o.source) +
            "</td><td>" + o.attempt + "</td><td>" + outcome(o) + "</td></tr>").join("");
          $("status").textContent = "updated " + new Date().toLocaleTimeString();
        } catch (err) {
          $("status").textContent = "unreachable";
        }
      }

      refresh();
      window.setInterval(refresh, 5000);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
