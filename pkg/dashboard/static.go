package dashboard

// Static assets for the dashboard.
// These are embedded as strings for simplicity.

// getStaticAsset returns a static asset by name.
// Returns the content, content type, and whether the asset was found.
func getStaticAsset(name string) (content string, contentType string, ok bool) {
	switch name {
	case "style.css":
		return cssStyles, "text/css", true
	case "app.js":
		return jsApp, "application/javascript", true
	default:
		return "", "", false
	}
}

// cssStyles contains custom CSS on top of Tailwind.
const cssStyles = `
:root {
    --color-primary: #3b82f6;
    --color-success: #10b981;
    --color-error: #ef4444;
    --color-bg-dark: #111827;
    --color-border: #374151;
}

.mono {
    font-family: ui-monospace, SFMono-Regular, 'SF Mono', Menlo, Monaco, Consolas, 'Liberation Mono', 'Courier New', monospace;
}

::-webkit-scrollbar { width: 8px; height: 8px; }
::-webkit-scrollbar-track { background: var(--color-bg-dark); }
::-webkit-scrollbar-thumb { background: var(--color-border); border-radius: 4px; }

.listing {
    max-height: 480px;
    overflow: auto;
    white-space: pre;
}

.status-dot {
    width: 10px;
    height: 10px;
    border-radius: 50%;
    display: inline-block;
}
.status-dot-success { background-color: var(--color-success); }
.status-dot-error { background-color: var(--color-error); }

.badge {
    display: inline-flex;
    padding: 0.125rem 0.5rem;
    border-radius: 9999px;
    font-size: 0.75rem;
    font-weight: 500;
}
.badge-success { background-color: rgba(16, 185, 129, 0.15); color: var(--color-success); }
.badge-error { background-color: rgba(239, 68, 68, 0.15); color: var(--color-error); }
`

// jsApp keeps the clock and the overview counters current.
const jsApp = `
(function () {
    function updateTime() {
        var el = document.getElementById('current-time');
        if (el) el.textContent = new Date().toUTCString();
    }
    updateTime();
    setInterval(updateTime, 1000);

    function setText(id, value) {
        var el = document.getElementById(id);
        if (el && value !== undefined) el.textContent = value;
    }

    async function refreshStatus() {
        try {
            var resp = await fetch('/api/status');
            var data = await resp.json();

            setText('runs-executed', data.runsExecuted.toLocaleString());
            setText('steps-executed', data.stepsExecuted.toLocaleString());
            setText('last-run-seq', '#' + data.lastRunSeq);
            setText('uptime', data.uptime);
            setText('node-state', data.status);

            var status = document.getElementById('node-status');
            if (status) {
                var dot = status.querySelector('span:first-child');
                var text = status.querySelector('span:last-child');
                dot.className = 'status-dot ' + (data.isRunning ? 'status-dot-success' : 'status-dot-error');
                text.textContent = data.lastError ? 'Error' : data.status;
            }
        } catch (e) {
            console.error('Failed to fetch status:', e);
        }
    }

    if (window.location.pathname === '/') {
        setInterval(refreshStatus, 5000);
    }
})();
`
