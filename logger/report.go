package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsMd        int64
	errorsTd        int64
	warnsMd         int64
	warnsTd         int64
	quotesReceived  int64
	tradesReceived  int64
	ordersSubmitted int64
	orderRejections int64
	journalWrites   int64
	journalUploads  int64
	channels        sync.Map // map[string]*channelStat
	gaugeProvider   atomic.Value
)

// SetGaugeProvider registers a callback whose fields are merged into every
// runtime report, for point-in-time values the counters cannot carry (cache
// sizes, running strategies). A nil provider clears it.
func SetGaugeProvider(fn func() Fields) {
	gaugeProvider.Store(fn)
}

func recordWarn(component string) {
	if strings.Contains(component, "md") {
		atomic.AddInt64(&warnsMd, 1)
	} else if strings.Contains(component, "td") {
		atomic.AddInt64(&warnsTd, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "md") {
		atomic.AddInt64(&errorsMd, 1)
	} else if strings.Contains(component, "td") {
		atomic.AddInt64(&errorsTd, 1)
	}
}

func IncrementQuoteReceived(size int) {
	atomic.AddInt64(&quotesReceived, 1)
	recordChannel("md_ws", size)
}

func IncrementTradeReceived(size int) {
	atomic.AddInt64(&tradesReceived, 1)
	recordChannel("td_ws", size)
}

func IncrementOrderSubmitted() {
	atomic.AddInt64(&ordersSubmitted, 1)
}

func IncrementOrderRejected() {
	atomic.AddInt64(&orderRejections, 1)
}

func IncrementJournalWrite(size int64) {
	atomic.AddInt64(&journalWrites, 1)
	recordChannel("journal_write", int(size))
}

func IncrementJournalUpload(size int64) {
	atomic.AddInt64(&journalUploads, 1)
	recordChannel("journal_upload", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and flow statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{}
	if fn, ok := gaugeProvider.Load().(func() Fields); ok && fn != nil {
		for k, v := range fn() {
			fields[k] = v
		}
	}
	for k, v := range (Fields{
		"errors_md":        atomic.LoadInt64(&errorsMd),
		"errors_td":        atomic.LoadInt64(&errorsTd),
		"warns_md":         atomic.LoadInt64(&warnsMd),
		"warns_td":         atomic.LoadInt64(&warnsTd),
		"quotes_received":  atomic.LoadInt64(&quotesReceived),
		"trades_received":  atomic.LoadInt64(&tradesReceived),
		"orders_submitted": atomic.LoadInt64(&ordersSubmitted),
		"order_rejections": atomic.LoadInt64(&orderRejections),
		"journal_writes":   atomic.LoadInt64(&journalWrites),
		"journal_uploads":  atomic.LoadInt64(&journalUploads),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}) {
		fields[k] = v
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-ErrorsMd"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_md"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-ErrorsTd"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_td"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-WarnsMd"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_md"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-WarnsTd"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_td"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-QuotesReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["quotes_received"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-TradesReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["trades_received"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-OrdersSubmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_submitted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-OrderRejections"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["order_rejections"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-JournalWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["journal_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-JournalUploads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["journal_uploads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("CtpFlow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("CtpFlow-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("CtpFlow-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
