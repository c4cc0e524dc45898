package server

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Parking Grid Calibrator</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <link rel="stylesheet" href="/assets/calibrator.css">
    <style>
        body { margin: 0; font-family: system-ui, sans-serif; background: #0f172a; color: #e2e8f0; }
        .app { max-width: 1400px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; margin-bottom: 12px; }
        .title { font-size: 20px; font-weight: 600; }
        .grid { display: grid; grid-template-columns: 3fr 1fr; gap: 16px; }
        .panel { background: #1e293b; border-radius: 8px; padding: 12px; }
        .panel h2 { margin: 0 0 8px; font-size: 16px; }
        .badge { padding: 4px 10px; border-radius: 12px; font-size: 12px; background: #334155; }
        .badge.ok { background: #065f46; }
        .badge.err { background: #7f1d1d; }
        .toolbar { display: flex; flex-wrap: wrap; gap: 6px; margin-bottom: 10px; }
        .toolbar button { background: #334155; color: #e2e8f0; border: 0; border-radius: 4px; padding: 6px 10px; cursor: pointer; }
        .toolbar button.active { background: #2563eb; }
        .toolbar button:disabled { opacity: 0.4; cursor: default; }
        #viewport { position: relative; width: 100%; background: #000; }
        #frame { width: 100%; height: auto; display: block; }
        #overlay { position: absolute; top: 0; left: 0; width: 100%; height: 100%; }
        #message { min-height: 20px; margin-top: 8px; font-size: 13px; }
        #message.error { color: #f87171; }
        .kv { display: grid; grid-template-columns: auto 1fr; gap: 4px 10px; font-size: 13px; }
        .slots { display: flex; flex-wrap: wrap; gap: 4px; margin-top: 8px; }
        .slot { padding: 2px 6px; border-radius: 4px; font-size: 12px; background: #334155; }
        .slot.occupied { background: #b91c1c; }
        .slot.vacant { background: #15803d; }
        .changes { font-size: 12px; max-height: 200px; overflow-y: auto; }
        input, select { background: #0f172a; color: #e2e8f0; border: 1px solid #334155; border-radius: 4px; padding: 4px; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <div class="title">Parking Grid Calibrator <span id="spot-id"></span></div>
            <span class="badge" id="status-badge">Connecting...</span>
        </div>

        <div class="grid">
            <div class="panel">
                <div class="toolbar">
                    <button type="button" id="btn-freeze">Freeze</button>
                    <button type="button" id="btn-unfreeze">Live</button>
                    <button type="button" id="btn-aoi">Draw AOI</button>
                    <button type="button" id="btn-aoi-clear">Clear AOI</button>
                    <button type="button" id="btn-slot">Draw slot</button>
                    <button type="button" id="btn-undo">Undo slot</button>
                    <button type="button" id="btn-clear">Clear all</button>
                    <button type="button" id="btn-auto">Auto-detect</button>
                    <button type="button" id="btn-save">Save grid</button>
                    <button type="button" id="btn-start">Start detection</button>
                    <button type="button" id="btn-stop">Stop detection</button>
                    <button type="button" id="btn-webrtc">WebRTC</button>
                </div>
                <div id="viewport">
                    <img id="frame" alt="Camera frame" src="/stream">
                    <canvas id="overlay"></canvas>
                </div>
                <div id="message"></div>
            </div>

            <div>
                <div class="panel">
                    <h2>Session</h2>
                    <div class="kv">
                        <span>Mode</span><span id="mode">-</span>
                        <span>Slots</span><span id="slot-count">0</span>
                        <span>Grid</span><span id="grid-saved">not saved</span>
                        <span>Frame</span><span id="frame-size">-</span>
                        <span>Detection</span><span id="detecting">stopped</span>
                    </div>
                    <div style="margin-top:10px;">
                        <select id="operating-mode">
                            <option value="manual">manual</option>
                            <option value="ai">ai</option>
                        </select>
                    </div>
                </div>
                <div class="panel" style="margin-top:16px;">
                    <h2>Camera</h2>
                    <div class="kv">
                        <span>Status</span><span id="camera-status">-</span>
                        <span>FPS</span><span id="camera-fps">-</span>
                    </div>
                    <div style="margin-top:8px;display:flex;gap:4px;">
                        <select id="camera-source">
                            <option value="ip_camera">IP camera</option>
                            <option value="usb">USB</option>
                        </select>
                        <input id="camera-url" list="previous-urls" placeholder="rtsp:// or http://" style="flex:1;">
                        <datalist id="previous-urls"></datalist>
                    </div>
                    <div class="toolbar" style="margin-top:6px;">
                        <button type="button" id="btn-camera">Save camera</button>
                    </div>
                </div>
                <div class="panel" style="margin-top:16px;">
                    <h2>Occupancy</h2>
                    <div class="kv">
                        <span>Occupied</span><span id="occ-occupied">0</span>
                        <span>Vacant</span><span id="occ-vacant">0</span>
                        <span>FPS</span><span id="occ-fps">-</span>
                    </div>
                    <div class="slots" id="occ-slots"></div>
                    <div class="changes" id="occ-changes"></div>
                </div>
            </div>
        </div>
    </div>

    <script>
        const frame = document.getElementById('frame');
        const overlay = document.getElementById('overlay');
        const ctx = overlay.getContext('2d');
        let state = null;
        let frozenSrc = '';
        let dragging = false;
        let pendingMove = null;

        function setMessage(msg) {
            const el = document.getElementById('message');
            if (!msg || !msg.text) return;
            el.textContent = msg.text;
            el.className = msg.error ? 'error' : '';
        }

        async function post(path, body) {
            const res = await fetch(path, {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: body ? JSON.stringify(body) : null,
            });
            const data = await res.json().catch(() => ({}));
            if (data.state) applyState(data.state);
            return data;
        }

        function canvasRect() {
            const r = overlay.getBoundingClientRect();
            return { left: r.left, top: r.top, width: r.width, height: r.height };
        }

        function pointerBody(ev) {
            return { x: ev.clientX, y: ev.clientY, canvas: canvasRect() };
        }

        overlay.addEventListener('pointerdown', (ev) => {
            if (!state || !state.frozen) return;
            dragging = true;
            overlay.setPointerCapture(ev.pointerId);
            post('/api/pointer/down', pointerBody(ev));
        });
        overlay.addEventListener('pointermove', (ev) => {
            if (!dragging) return;
            const first = pendingMove === null;
            pendingMove = pointerBody(ev);
            if (!first) return;
            requestAnimationFrame(() => {
                const body = pendingMove;
                pendingMove = null;
                post('/api/pointer/move', body);
            });
        });
        overlay.addEventListener('pointerup', (ev) => {
            if (!dragging) return;
            dragging = false;
            post('/api/pointer/up', pointerBody(ev));
        });

        async function drawOverlay() {
            const res = await fetch('/api/render');
            if (!res.ok) {
                ctx.clearRect(0, 0, overlay.width, overlay.height);
                return;
            }
            const scene = await res.json();
            overlay.width = scene.width;
            overlay.height = scene.height;
            for (const op of scene.ops) {
                switch (op.op) {
                case 'clear':
                    ctx.clearRect(0, 0, op.w, op.h);
                    break;
                case 'fill_rect':
                    ctx.fillStyle = op.color;
                    ctx.fillRect(op.x, op.y, op.w, op.h);
                    break;
                case 'stroke_rect':
                    ctx.strokeStyle = op.color;
                    ctx.lineWidth = op.line_width;
                    ctx.strokeRect(op.x, op.y, op.w, op.h);
                    break;
                case 'text':
                    ctx.fillStyle = op.color;
                    ctx.font = 'bold ' + op.font_px + 'px sans-serif';
                    ctx.fillText(op.text, op.x, op.y);
                    break;
                }
            }
        }

        function applyState(next) {
            const wasFrozen = state && state.frozen;
            state = next;
            document.getElementById('spot-id').textContent = next.spot_id;
            document.getElementById('mode').textContent = next.mode;
            document.getElementById('slot-count').textContent = next.slot_count + (next.max_slots ? ' / ' + next.max_slots : '');
            document.getElementById('grid-saved').textContent = next.grid_saved ? (next.auto_detected ? 'saved (auto)' : 'saved') : 'not saved';
            document.getElementById('frame-size').textContent = next.frame_width ? next.frame_width + 'x' + next.frame_height : '-';
            document.getElementById('detecting').textContent = next.detecting ? 'running' : 'stopped';
            document.getElementById('operating-mode').value = next.operating_mode;
            document.getElementById('btn-aoi').classList.toggle('active', next.mode === 'drawing_aoi');
            document.getElementById('btn-slot').classList.toggle('active', next.mode === 'drawing_slot');
            document.getElementById('btn-auto').disabled = !next.frozen || next.auto_detecting;
            document.getElementById('btn-save').disabled = next.slot_count === 0;
            document.getElementById('btn-start').disabled = !next.grid_saved || next.detecting;
            document.getElementById('btn-stop').disabled = !next.detecting;

            const urls = document.getElementById('previous-urls');
            urls.innerHTML = '';
            for (const u of next.camera.previous_urls || []) {
                const opt = document.createElement('option');
                opt.value = u;
                urls.appendChild(opt);
            }
            if (document.activeElement !== document.getElementById('camera-url')) {
                document.getElementById('camera-url').value = next.camera.url || '';
                document.getElementById('camera-source').value = next.camera.source || 'ip_camera';
            }

            setMessage(next.last_message);

            if (next.frozen) {
                const src = '/api/frame.jpg?seq=' + next.last_message.at;
                if (src !== frozenSrc) {
                    frozenSrc = src;
                    frame.src = src;
                }
            } else if (next.frozen !== wasFrozen) {
                frozenSrc = '';
                if (!rtc) frame.src = '/stream';
            }
            drawOverlay();
        }

        // WebRTC live feed: JPEG frames arrive as chunks on a data channel,
        // each prefixed with seq (u32), index (u16) and count (u16).
        let rtc = null;
        let rtcURL = null;

        function stopWebRTC() {
            if (rtc) rtc.close();
            rtc = null;
            document.getElementById('btn-webrtc').classList.remove('active');
            if (!state || !state.frozen) frame.src = '/stream';
        }

        async function startWebRTC() {
            const pc = new RTCPeerConnection({ iceServers: [{ urls: 'stun:stun.l.google.com:19302' }] });
            const dc = pc.createDataChannel('frames');
            dc.binaryType = 'arraybuffer';

            const parts = new Map();
            let current = -1;
            dc.onmessage = (ev) => {
                const view = new DataView(ev.data);
                const seq = view.getUint32(0);
                const idx = view.getUint16(4);
                const count = view.getUint16(6);
                if (seq !== current) {
                    current = seq;
                    parts.clear();
                }
                parts.set(idx, new Uint8Array(ev.data, 8));
                if (parts.size !== count || (state && state.frozen)) return;

                const chunks = [];
                for (let i = 0; i < count; i++) chunks.push(parts.get(i));
                const url = URL.createObjectURL(new Blob(chunks, { type: 'image/jpeg' }));
                frame.src = url;
                if (rtcURL) URL.revokeObjectURL(rtcURL);
                rtcURL = url;
            };
            pc.onconnectionstatechange = () => {
                if (pc === rtc && ['failed', 'disconnected', 'closed'].includes(pc.connectionState)) stopWebRTC();
            };

            await pc.setLocalDescription(await pc.createOffer());
            await new Promise((resolve) => {
                if (pc.iceGatheringState === 'complete') return resolve();
                pc.addEventListener('icegatheringstatechange', () => {
                    if (pc.iceGatheringState === 'complete') resolve();
                });
            });

            const res = await fetch('/api/webrtc/offer', {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: JSON.stringify(pc.localDescription),
            });
            if (!res.ok) {
                pc.close();
                setMessage({ text: 'WebRTC unavailable, staying on MJPEG', error: true });
                return;
            }
            await pc.setRemoteDescription(await res.json());
            rtc = pc;
            document.getElementById('btn-webrtc').classList.add('active');
        }

        document.getElementById('btn-webrtc').addEventListener('click', () => {
            if (rtc) stopWebRTC();
            else startWebRTC();
        });

        const actions = {
            'btn-freeze': '/api/freeze',
            'btn-unfreeze': '/api/unfreeze',
            'btn-aoi': '/api/aoi/start',
            'btn-aoi-clear': '/api/aoi/clear',
            'btn-slot': '/api/slot/start',
            'btn-undo': '/api/slot/undo',
            'btn-clear': '/api/slots/clear',
            'btn-auto': '/api/auto-detect',
            'btn-save': '/api/save',
            'btn-start': '/api/detection/start',
            'btn-stop': '/api/detection/stop',
        };
        for (const [id, path] of Object.entries(actions)) {
            document.getElementById(id).addEventListener('click', () => post(path));
        }
        document.getElementById('operating-mode').addEventListener('change', (ev) => {
            post('/api/mode', { mode: ev.target.value });
        });
        document.getElementById('btn-camera').addEventListener('click', () => {
            post('/api/camera-url', {
                camera_url: document.getElementById('camera-url').value,
                camera_source: document.getElementById('camera-source').value,
            });
        });
        document.addEventListener('keydown', (ev) => {
            if (ev.key === 'Escape') post('/api/cancel');
        });

        function connectState() {
            const source = new EventSource('/api/state/stream');
            source.onmessage = (ev) => {
                const data = JSON.parse(ev.data);
                const cam = data.camera;
                document.getElementById('camera-status').textContent = cam.connected ? 'connected' : (cam.last_error || 'disconnected');
                document.getElementById('camera-fps').textContent = cam.fps ? cam.fps.toFixed(1) : '-';
                if (!dragging && (!state || JSON.stringify(state) !== JSON.stringify(data.session))) {
                    applyState(data.session);
                }
            };
            source.onerror = () => {
                source.close();
                setTimeout(connectState, 2000);
            };
        }

        function connectOccupancy() {
            const source = new EventSource('/api/occupancy/stream');
            const badge = document.getElementById('status-badge');
            source.onmessage = (ev) => {
                const snap = JSON.parse(ev.data);
                badge.textContent = snap.connected ? (snap.detecting ? 'Detecting' : 'Connected') : 'Disconnected';
                badge.className = 'badge ' + (snap.connected ? 'ok' : 'err');
                document.getElementById('occ-occupied').textContent = snap.counts.occupied;
                document.getElementById('occ-vacant').textContent = snap.counts.vacant;
                document.getElementById('occ-fps').textContent = snap.fps ? snap.fps.toFixed(1) : '-';

                const slots = document.getElementById('occ-slots');
                slots.innerHTML = '';
                const keys = Object.keys(snap.occupancy || {}).sort((a, b) => Number(a) - Number(b));
                for (const k of keys) {
                    const s = snap.occupancy[k];
                    const el = document.createElement('span');
                    el.className = 'slot ' + s.status;
                    el.textContent = '#' + k;
                    el.title = s.status + ' (' + (s.confidence * 100).toFixed(0) + '%)';
                    slots.appendChild(el);
                }

                const changes = document.getElementById('occ-changes');
                changes.innerHTML = '';
                for (const c of (snap.recent_changes || []).slice().reverse()) {
                    const row = document.createElement('div');
                    row.textContent = '#' + c.slot_number + ' ' + c.old_status + ' -> ' + c.new_status;
                    changes.appendChild(row);
                }
            };
            source.onerror = () => {
                badge.textContent = 'Disconnected';
                badge.className = 'badge err';
                source.close();
                setTimeout(connectOccupancy, 2000);
            };
        }

        fetch('/api/state').then((r) => r.json()).then((data) => applyState(data.session));
        connectState();
        connectOccupancy();
    </script>
</body>
</html>
`
