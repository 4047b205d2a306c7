package metrics

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

var (
	flagMonitor    = flag.Int("monitor", -1, "If set, serves /metrics and /debug/pprof at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
	flagKeepAlive  = flag.Bool("keep_alive", false, "If set with -monitor, keeps the program alive on end, until interrupted.")
	monitorAddr    string

	// globalCtx is set on the call to Setup.
	globalCtx context.Context
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
}

// Setup starts the HTTP monitor (flag -monitor) and the CPU profiler (flag -cpu_profile), if they were configured.
// You should follow with a deferred call to OnQuit.
func Setup(ctx context.Context) {
	globalCtx = ctx
	if *flagMonitor >= 0 {
		setupHTTPMonitor()
	}
	if *flagCPUProfile != "" {
		createCPUProfile()
	}
}

// OnQuit should be called before the exit of the main() function, typically this is setup as a deferred call
// just after Setup.
func OnQuit() {
	if *flagCPUProfile != "" {
		runtimepprof.StopCPUProfile()
	}
	if *flagMonitor >= 0 && *flagKeepAlive {
		httpMonitorOnQuit()
	}
}

// Handler serving the metrics of Registry and the pprof pages.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// createCPUProfile creates the file pointed by *flagCPUProfile and starts the CPU profiling there.
func createCPUProfile() {
	f, err := os.Create(*flagCPUProfile)
	if err != nil {
		klog.Fatal("could not create CPU profile: ", err)
	}
	if err := runtimepprof.StartCPUProfile(f); err != nil {
		klog.Fatal("could not start CPU profile: ", err)
	}
}

func setupHTTPMonitor() {
	monitorAddr = fmt.Sprintf("localhost:%d", *flagMonitor)
	fmt.Printf("Serving metrics on %s/metrics and profiler on %s/debug/pprof\n", monitorAddr, monitorAddr)
	fmt.Printf("- You can access the profiler with: $ go tool pprof %s/debug/pprof/heap\n", monitorAddr)
	go func() {
		klog.Fatal(http.ListenAndServe(monitorAddr, Handler()))
	}()
}

// httpMonitorOnQuit keeps the program alive until interrupted, so the final metrics and profiles can be read.
func httpMonitorOnQuit() {
	// Don't freeze on panic.
	if err := recover(); err != nil {
		panic(err)
	}
	if globalCtx.Err() != nil {
		// Already interrupted.
		return
	}

	// Garbage collect, to see if there is anything leaking.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("- Program finished: kept alive with monitor opened at %s\n", monitorAddr)
	fmt.Printf("- Interrupt (Ctrl+C) to exit\n")
	<-globalCtx.Done()
	fmt.Printf("... exiting ...\n")
}
