package http

const indexTmplStr = `<!DOCTYPE html>
<html>
<head>
<title>emgrx</title>
<style>
table, th, td {
  border: 1px solid black;
  text-align: right;
}
</style>
</head>
<body>
<h1>emgrx {{.Run}}</h1>
<hr/>

<h2>Arms &#x1F4AA;</h2>
<table>
<tr><th>Arm</th><th>Channel</th><th>State</th><th>Rate Hz</th><th>Policy</th><th>Rest</th><th>Flex</th><th>Threshold</th><th>Feature</th><th>Spikes</th><th>Flexed</th></tr>
{{range $_, $s := .Sessions}}
<tr>
<td>{{$s.Name}}</td>
<td>{{$s.Channel}}</td>
<td>{{$s.State}}</td>
<td>{{printf "%.0f" $s.SampleRateHz}}</td>
<td>{{$s.Policy}}</td>
<td>{{printf "%.3f" $s.Calibration.Rest}}</td>
<td>{{printf "%.3f" $s.Calibration.Flex}}</td>
<td>{{printf "%.3f" $s.Calibration.Threshold}}</td>
<td>{{printf "%.3f" $s.Last.Feature}}</td>
<td>{{$s.Last.Spikes}}</td>
<td>{{if $s.Last.Flexed}}&#x2705;{{end}}</td>
</tr>
{{end}}
</table>

{{with .Last}}
<h2>Last round</h2>
<ul>
<li>Round: {{.Seq}}</li>
<li>Time: {{.Time}}</li>
<li>Mask: {{printf "0x%02x" .Mask}}</li>
</ul>
{{end}}

<pre id="live"></pre>
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/api/ws");
ws.onmessage = (ev) => { document.getElementById("live").textContent = ev.data; };
</script>
</body>
</html>
`
