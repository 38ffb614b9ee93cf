// Command seatwatch is a terminal client for the seat broker: it follows one
// trip, prints every change to the seat map and accepts lock commands on
// stdin.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/DoyleJ11/seat-sync/internal/booking"
	"github.com/DoyleJ11/seat-sync/internal/config"
	"github.com/DoyleJ11/seat-sync/internal/logger"
	"github.com/DoyleJ11/seat-sync/internal/notify"
	"github.com/DoyleJ11/seat-sync/internal/seatmap"
	"github.com/DoyleJ11/seat-sync/internal/timers"
)

const usage = `commands:
  trip <id>       follow a trip
  leave           stop following the current trip
  lock <seat>     request a lock
  unlock <seat>   release a lock
  toggle <seat>   lock a free seat or release one of ours
  mine            list our seats
  seats           list every locked seat
  checkout        keep our locks alive
  done            stop keeping locks alive
  quit`

func main() {
	_ = godotenv.Load()

	trip := flag.Int64("trip", 0, "trip id to follow on start")
	broker := flag.String("broker", "", "broker websocket url (overrides SEATSYNC_BROKER_URL)")
	ticks := flag.Bool("ticks", false, "print every countdown tick")
	flag.Parse()

	cfg := config.Load()
	if *broker != "" {
		cfg.Client.BrokerURL = *broker
	}

	log := logger.NewLogger(cfg.App.Env)
	logger.Set(log)
	defer logger.Sync()

	if err := cfg.Client.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	notes := make(notify.Chan, 32)
	opts := booking.Options{Logger: log, Notifier: notes}
	if *ticks {
		opts.OnTick = func(t timers.Tick) {
			fmt.Printf("  %s %s\n", t.SeatNumber, t.Display())
		}
	}

	client, err := booking.New(cfg.Client, opts)
	if err != nil {
		log.Fatal("booking client", zap.Error(err))
	}
	defer client.Close()

	if err := client.Start(); err != nil {
		log.Fatal("start", zap.Error(err))
	}
	fmt.Printf("identity %s\n", client.Identity())

	if *trip != 0 {
		if err := client.OpenTrip(*trip); err != nil {
			log.Fatal("open trip", zap.Int64("trip_id", *trip), zap.Error(err))
		}
	}

	snaps, unwatch := client.Watch("seatwatch")
	defer unwatch()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println(usage)
	for {
		select {
		case <-quit:
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			printSnapshot(snap)
		case n := <-notes:
			fmt.Printf("[%s] %s\n", n.Level, n.Message)
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !run(client, line) {
				return
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// run executes one command line and reports whether to keep going.
func run(c *booking.Client, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "quit", "exit":
		return false
	case "trip":
		var id int64
		if id, err = intArg(args); err == nil {
			err = c.OpenTrip(id)
		}
	case "leave":
		c.LeaveTrip()
	case "lock", "unlock", "toggle":
		var id int64
		if id, err = intArg(args); err != nil {
			break
		}
		switch cmd {
		case "lock":
			err = c.Lock(id)
		case "unlock":
			err = c.Unlock(id)
		default:
			err = c.ToggleSeat(id)
		}
	case "mine":
		printLocks(c.MySeats())
	case "seats":
		printSnapshot(c.Snapshot())
	case "checkout":
		err = c.BeginCheckout()
	case "done":
		c.EndCheckout()
	default:
		fmt.Println(usage)
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
	return true
}

func intArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected one numeric argument")
	}
	return strconv.ParseInt(args[0], 10, 64)
}

func printSnapshot(s seatmap.Snapshot) {
	if s.TripID == 0 {
		fmt.Println("no trip")
		return
	}
	locks := make([]seatmap.SeatLock, 0, len(s.Locks))
	for _, lk := range s.Locks {
		locks = append(locks, lk)
	}
	fmt.Printf("trip %d v%d: %d locked, mine %v\n", s.TripID, s.Version, len(locks), s.MySeatNumbers())
	printLocks(locks)
}

func printLocks(locks []seatmap.SeatLock) {
	sort.Slice(locks, func(i, j int) bool { return locks[i].SeatID < locks[j].SeatID })
	for _, lk := range locks {
		fmt.Printf("  %-4s #%-3d %-24s until %s\n", lk.SeatNumber, lk.SeatID, lk.HolderID, lk.ExpiresAt.Format("15:04:05"))
	}
}
