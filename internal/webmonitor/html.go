package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Recycle Sorter</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; margin: 0; background: #111; color: #eee; }
        .app { max-width: 1200px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .badge { padding: 4px 10px; border-radius: 12px; font-size: 13px; background: #555; }
        .badge.connected { background: #2e7d32; }
        .badge.connecting { background: #f9a825; color: #111; }
        .badge.disconnected { background: #c62828; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; margin-top: 16px; }
        .panel { background: #1e1e1e; border-radius: 8px; padding: 12px; }
        .panel h2 { margin: 0 0 8px; font-size: 16px; }
        #stream, #captured { width: 100%; height: auto; background: #000; display: block; }
        button { font-size: 18px; padding: 10px 24px; border: 0; border-radius: 6px; background: #1565c0; color: #fff; cursor: pointer; }
        button:disabled { background: #555; cursor: wait; }
        .prediction { font-size: 32px; font-weight: bold; margin: 8px 0; }
        .log { height: 200px; overflow-y: auto; font-family: monospace; font-size: 12px; background: #000; padding: 6px; }
        .error { color: #ef9a9a; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>Recycle Sorter</h1>
            <span class="badge disconnected" id="link-badge">link: disconnected</span>
        </div>
        <div class="grid">
            <div class="panel">
                <h2>Live Feed</h2>
                <img id="stream" src="/video_feed" alt="Live camera feed">
                <p><button id="capture-btn">Capture</button> <span id="capture-error" class="error"></span></p>
            </div>
            <div>
                <div class="panel">
                    <h2>Prediction</h2>
                    <div class="prediction" id="prediction">None yet</div>
                    <img id="captured" alt="Last captured image">
                </div>
                <div class="panel" style="margin-top:16px;">
                    <h2>Controller Messages</h2>
                    <div class="log" id="log"></div>
                </div>
            </div>
        </div>
    </div>
    <script>
        const predictionEl = document.getElementById('prediction');
        const capturedEl = document.getElementById('captured');
        const badgeEl = document.getElementById('link-badge');
        const logEl = document.getElementById('log');
        const btn = document.getElementById('capture-btn');
        const errEl = document.getElementById('capture-error');

        function showImage(path) {
            if (path) capturedEl.src = '/' + path + '?t=' + Date.now();
        }
        function appendLog(text) {
            const line = document.createElement('div');
            line.textContent = new Date().toLocaleTimeString() + '  ' + text;
            logEl.appendChild(line);
            logEl.scrollTop = logEl.scrollHeight;
        }
        function setLink(state) {
            badgeEl.textContent = 'link: ' + state;
            badgeEl.className = 'badge ' + state;
        }

        fetch('/get_prediction').then(r => r.json()).then(d => { predictionEl.textContent = d.prediction; });
        fetch('/get_captured_image').then(r => r.json()).then(d => showImage(d.image_path));
        fetch('/api/status').then(r => r.json()).then(d => {
            if (d.presenter) setLink(d.presenter.link_state);
            (d.messages || []).forEach(m => appendLog(m.message));
        });

        btn.addEventListener('click', async () => {
            btn.disabled = true;
            errEl.textContent = '';
            try {
                const resp = await fetch('/capture', { method: 'POST' });
                const body = await resp.json();
                if (!resp.ok) errEl.textContent = body.error || resp.statusText;
                else predictionEl.textContent = body.prediction;
            } catch (e) {
                errEl.textContent = String(e);
            } finally {
                btn.disabled = false;
            }
        });

        const events = new EventSource('/api/events');
        events.addEventListener('prediction_update', e => {
            const d = JSON.parse(e.data);
            predictionEl.textContent = d.prediction;
            showImage(d.image_path);
        });
        events.addEventListener('server_message', e => appendLog(JSON.parse(e.data).message));
        events.addEventListener('link_state', e => setLink(JSON.parse(e.data).state));
    </script>
</body>
</html>
`
