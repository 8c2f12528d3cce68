package dashboard

// HTML templates for the dashboard pages.
// These are embedded as strings and parsed at runtime.

const layoutTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>bytevm Dashboard</title>
    <script src="https://cdn.tailwindcss.com"></script>
    <link rel="stylesheet" href="/static/style.css">
</head>
<body class="bg-gray-900 text-gray-100 min-h-screen">
    <!-- Navigation -->
    <nav class="bg-gray-800 border-b border-gray-700 sticky top-0 z-50">
        <div class="container mx-auto px-4">
            <div class="flex items-center justify-between h-16">
                <div class="flex items-center space-x-8">
                    <a href="/" class="flex items-center space-x-2">
                        <svg class="w-8 h-8 text-blue-500" fill="none" stroke="currentColor" viewBox="0 0 24 24">
                            <path stroke-linecap="round" stroke-linejoin="round" stroke-width="2" d="M9 3v2m6-2v2M9 19v2m6-2v2M5 9H3m2 6H3m18-6h-2m2 6h-2M7 19h10a2 2 0 002-2V7a2 2 0 00-2-2H7a2 2 0 00-2 2v10a2 2 0 002 2z"/>
                        </svg>
                        <span class="text-xl font-bold text-white">bytevm</span>
                    </a>
                    <div class="hidden md:flex items-center space-x-4">
                        <a href="/" class="px-3 py-2 rounded-md text-sm font-medium {{if eq .PageName "home"}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Overview</a>
                        <a href="/programs" class="px-3 py-2 rounded-md text-sm font-medium {{if or (eq .PageName "programs") (eq .PageName "program")}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Programs</a>
                        <a href="/runs" class="px-3 py-2 rounded-md text-sm font-medium {{if or (eq .PageName "runs") (eq .PageName "run")}}bg-gray-900 text-white{{else}}text-gray-300 hover:bg-gray-700 hover:text-white{{end}}">Runs</a>
                    </div>
                </div>
                <div id="node-status" class="flex items-center space-x-2">
                    <span class="status-dot status-dot-success"></span>
                    <span class="text-sm text-gray-300">Serving</span>
                </div>
            </div>
        </div>
    </nav>

    <!-- Main Content -->
    <main class="container mx-auto px-4 py-6">
        {{.Content}}
    </main>

    <!-- Footer -->
    <footer class="bg-gray-800 border-t border-gray-700 mt-8 py-4">
        <div class="container mx-auto px-4 text-center text-gray-400 text-sm">
            bytevm | <span id="current-time"></span>
        </div>
    </footer>

    <script src="/static/app.js"></script>
</body>
</html>`

const homeTemplate = `
<div class="space-y-6">
    <!-- Status Cards -->
    <div class="grid grid-cols-1 md:grid-cols-2 lg:grid-cols-4 gap-4">
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Status</p>
            <p class="text-3xl font-bold mt-1 {{if .IsRunning}}text-green-500{{else}}text-red-500{{end}}" id="node-state">{{.Status}}</p>
        </div>

        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Runs Executed</p>
            <p class="text-3xl font-bold text-white mt-1" id="runs-executed">{{formatNumber .RunsExecuted}}</p>
            {{if .FaultRate}}<p class="text-sm text-gray-500 mt-1">{{printf "%.1f" .FaultRate}}% faulted</p>{{end}}
        </div>

        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Steps Executed</p>
            <p class="text-3xl font-bold text-white mt-1" id="steps-executed">{{formatNumber .StepsExecuted}}</p>
            {{if .StepsPerRun}}<p class="text-sm text-gray-500 mt-1">{{printf "%.1f" .StepsPerRun}} steps/run</p>{{end}}
        </div>

        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Uptime</p>
            <p class="text-3xl font-bold text-white mt-1" id="uptime">{{formatDuration .Uptime}}</p>
        </div>
    </div>

    <div class="grid grid-cols-1 md:grid-cols-3 gap-4">
        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Deployed Programs</p>
            <p class="text-2xl font-bold text-white mt-1">{{formatNumber .ProgramCount}}</p>
            <p class="text-sm text-gray-500 mt-1">{{formatBytes .DatabaseSize}} on disk</p>
        </div>

        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Last Run</p>
            <p class="text-2xl font-bold text-white mt-1" id="last-run-seq">#{{.LastRunSeq}}</p>
        </div>

        <div class="bg-gray-800 rounded-lg p-6 border border-gray-700">
            <p class="text-gray-400 text-sm font-medium">Endpoints</p>
            <p class="text-sm text-gray-300 mono mt-2">JSON-RPC {{if .RPCAddr}}{{.RPCAddr}}{{else}}disabled{{end}}</p>
            <p class="text-sm text-gray-300 mono">gRPC {{if .GRPCAddr}}{{.GRPCAddr}}{{else}}disabled{{end}}</p>
        </div>
    </div>

    {{if .LastError}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4">
        <span class="text-red-200 text-sm">{{.LastError}}</span>
    </div>
    {{end}}

    <!-- Recent Runs -->
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700 flex items-center justify-between">
            <h2 class="text-lg font-semibold text-white">Recent Runs</h2>
            <a href="/runs" class="text-sm text-blue-400 hover:text-blue-300">View all</a>
        </div>
        {{template "runRows" .Runs}}
    </div>
</div>
`

// runRowsTemplate renders a run table; it is shared by several pages.
const runRowsTemplate = `
{{if .}}
<table class="w-full text-sm">
    <thead class="text-gray-400 text-left">
        <tr>
            <th class="px-6 py-3">Seq</th>
            <th class="px-6 py-3">Program</th>
            <th class="px-6 py-3">State</th>
            <th class="px-6 py-3">Steps</th>
            <th class="px-6 py-3">Started</th>
        </tr>
    </thead>
    <tbody class="divide-y divide-gray-700">
        {{range .}}
        <tr class="hover:bg-gray-700/50">
            <td class="px-6 py-3"><a href="/runs/{{.Seq}}" class="text-blue-400 hover:text-blue-300">#{{.Seq}}</a></td>
            <td class="px-6 py-3 mono"><a href="/programs/{{.ProgramID.String}}" class="hover:text-blue-300">{{truncateHash .ProgramID.String 6}}</a></td>
            <td class="px-6 py-3">
                {{if eq .State.String "faulted"}}<span class="badge badge-error">{{.FaultKind}}</span>{{else}}<span class="badge badge-success">{{.State}}</span>{{end}}
            </td>
            <td class="px-6 py-3">{{formatNumber .Steps}}</td>
            <td class="px-6 py-3 text-gray-400">{{formatTime .StartedAt}}</td>
        </tr>
        {{end}}
    </tbody>
</table>
{{else}}
<p class="px-6 py-8 text-center text-gray-500">No runs recorded yet</p>
{{end}}
`

const programsTemplate = `
<div class="space-y-6">
    <h1 class="text-2xl font-bold text-white">Programs</h1>
    <div class="bg-gray-800 rounded-lg border border-gray-700">
        {{if .Programs}}
        <table class="w-full text-sm">
            <thead class="text-gray-400 text-left">
                <tr>
                    <th class="px-6 py-3">Name</th>
                    <th class="px-6 py-3">ID</th>
                    <th class="px-6 py-3">Code</th>
                    <th class="px-6 py-3">Data</th>
                    <th class="px-6 py-3">Deployed</th>
                </tr>
            </thead>
            <tbody class="divide-y divide-gray-700">
                {{range .Programs}}
                <tr class="hover:bg-gray-700/50">
                    <td class="px-6 py-3">{{if .Name}}{{.Name}}{{else}}<span class="text-gray-500">unnamed</span>{{end}}</td>
                    <td class="px-6 py-3 mono"><a href="/programs/{{.ID.String}}" class="text-blue-400 hover:text-blue-300">{{truncateHash .ID.String 8}}</a></td>
                    <td class="px-6 py-3">{{.Size}} B</td>
                    <td class="px-6 py-3">{{.DataSize}} B</td>
                    <td class="px-6 py-3 text-gray-400">{{formatTime .DeployedAt}}</td>
                </tr>
                {{end}}
            </tbody>
        </table>
        {{else}}
        <p class="px-6 py-8 text-center text-gray-500">No programs deployed</p>
        {{end}}
    </div>
</div>
`

const programDetailTemplate = `
<div class="space-y-6">
    {{if .Error}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4">
        <span class="text-red-200">Program {{.Ref}}: {{.Error}}</span>
    </div>
    {{else}}
    {{with .Program}}
    <div>
        <h1 class="text-2xl font-bold text-white">{{if .Name}}{{.Name}}{{else}}Program{{end}}</h1>
        <p class="text-gray-400 mono text-sm mt-1 break-all">{{.ID.String}}</p>
    </div>

    <div class="grid grid-cols-1 md:grid-cols-3 gap-4">
        <div class="bg-gray-800 rounded-lg p-4 border border-gray-700">
            <p class="text-gray-400 text-sm">Code size</p>
            <p class="text-xl font-bold text-white">{{.Size}} B</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-4 border border-gray-700">
            <p class="text-gray-400 text-sm">Data segment</p>
            <p class="text-xl font-bold text-white">{{.DataSize}} B</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-4 border border-gray-700">
            <p class="text-gray-400 text-sm">Deployed</p>
            <p class="text-xl font-bold text-white">{{formatTime .DeployedAt}}</p>
        </div>
    </div>
    {{end}}

    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700">
            <h2 class="text-lg font-semibold text-white">Disassembly</h2>
        </div>
        <pre class="listing mono text-sm px-6 py-4">{{range .Listing}}{{if .Error}}<span class="text-red-400">{{printf "%04x" .Offset}}  {{.Bytes}}  ; {{.Error}}</span>
{{else}}<span class="text-gray-500">{{printf "%04x" .Offset}}</span>  <span class="text-gray-500">{{.Bytes}}</span>  {{.Text}}
{{end}}{{end}}</pre>
    </div>

    <div class="bg-gray-800 rounded-lg border border-gray-700">
        <div class="px-6 py-4 border-b border-gray-700">
            <h2 class="text-lg font-semibold text-white">Runs</h2>
        </div>
        {{template "runRows" .Runs}}
    </div>
    {{end}}
</div>
`

const runsTemplate = `
<div class="space-y-6">
    <div class="flex items-center justify-between">
        <h1 class="text-2xl font-bold text-white">Runs</h1>
        <span class="text-gray-400 text-sm">{{formatNumber .LastSeq}} recorded</span>
    </div>

    <div class="bg-gray-800 rounded-lg border border-gray-700">
        {{template "runRows" .Runs}}
    </div>

    {{if gt .TotalPages 1}}
    <div class="flex items-center justify-center space-x-2">
        {{if gt .Page 1}}<a href="/runs?page={{sub .Page 1}}" class="px-3 py-1 rounded bg-gray-800 border border-gray-700 hover:bg-gray-700">Previous</a>{{end}}
        <span class="text-gray-400 text-sm">Page {{.Page}} of {{.TotalPages}}</span>
        {{if lt .Page .TotalPages}}<a href="/runs?page={{add .Page 1}}" class="px-3 py-1 rounded bg-gray-800 border border-gray-700 hover:bg-gray-700">Next</a>{{end}}
    </div>
    {{end}}
</div>
`

const runDetailTemplate = `
<div class="space-y-6">
    {{if .Error}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4">
        <span class="text-red-200">Run {{.SeqStr}}: {{.Error}}</span>
    </div>
    {{else}}
    {{$name := .ProgramName}}
    {{with .Run}}
    <div>
        <h1 class="text-2xl font-bold text-white">Run #{{.Seq}}</h1>
        <p class="text-gray-400 text-sm mt-1">
            <a href="/programs/{{.ProgramID}}" class="mono text-blue-400 hover:text-blue-300">{{if $name}}{{$name}}{{else}}{{truncateHash .ProgramID 8}}{{end}}</a>
            started {{.StartedAt}}, {{.DurationMicros}} µs
        </p>
    </div>

    <div class="grid grid-cols-1 md:grid-cols-3 gap-4">
        <div class="bg-gray-800 rounded-lg p-4 border border-gray-700">
            <p class="text-gray-400 text-sm">State</p>
            <p class="text-xl font-bold {{if eq .State "faulted"}}text-red-500{{else}}text-green-500{{end}}">{{.State}}</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-4 border border-gray-700">
            <p class="text-gray-400 text-sm">Steps</p>
            <p class="text-xl font-bold text-white">{{.Steps}}</p>
        </div>
        <div class="bg-gray-800 rounded-lg p-4 border border-gray-700">
            <p class="text-gray-400 text-sm">Program counter</p>
            <p class="text-xl font-bold text-white mono">{{printf "0x%04x" .PC}}</p>
        </div>
    </div>

    {{if .Fault}}
    <div class="bg-red-900/50 border border-red-500 rounded-lg p-4">
        <p class="text-red-200 font-semibold">{{.FaultKind}}</p>
        <p class="text-red-200 text-sm mono">{{.Fault}}</p>
    </div>
    {{end}}

    <div class="grid grid-cols-1 md:grid-cols-2 gap-4">
        <div class="bg-gray-800 rounded-lg border border-gray-700">
            <div class="px-6 py-4 border-b border-gray-700"><h2 class="text-lg font-semibold text-white">Integer registers</h2></div>
            <table class="w-full text-sm mono">
                {{range .Registers}}<tr><td class="px-6 py-1 text-gray-400">{{.Name}}</td><td class="px-6 py-1 text-right">{{.Value}}</td></tr>{{end}}
            </table>
        </div>
        <div class="bg-gray-800 rounded-lg border border-gray-700">
            <div class="px-6 py-4 border-b border-gray-700"><h2 class="text-lg font-semibold text-white">Float registers</h2></div>
            <table class="w-full text-sm mono">
                {{range .FloatRegisters}}<tr><td class="px-6 py-1 text-gray-400">{{.Name}}</td><td class="px-6 py-1 text-right">{{.Value}}</td></tr>{{end}}
            </table>
        </div>
    </div>

    <div class="bg-gray-800 rounded-lg p-4 border border-gray-700">
        <p class="text-gray-400 text-sm">State hash</p>
        <p class="mono text-sm break-all">{{.StateHash}}</p>
    </div>
    {{end}}
    {{end}}
</div>
`
