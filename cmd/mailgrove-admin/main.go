package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/mailgrove/mailgrove/config"
	"github.com/mailgrove/mailgrove/db"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "create-list":
		handleCreateList()
	case "deactivate-list":
		handleDeactivateList()
	case "list-lists":
		handleListLists()
	case "add-subscriber":
		handleAddSubscriber()
	case "remove-subscriber":
		handleRemoveSubscriber()
	case "list-subscribers":
		handleListSubscribers()
	case "status":
		handleStatus()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`Mailgrove Admin Tool

Usage:
  mailgrove-admin <command> [options]

Commands:
  create-list       Create a new mailing list
  deactivate-list   Deactivate a mailing list (audit rows are kept)
  list-lists        Show all configured lists
  add-subscriber    Add a subscriber to a list
  remove-subscriber Remove a subscriber from a list
  list-subscribers  Show the subscribers of a list
  status            Print an operational status report
  help              Show this help message

Examples:
  mailgrove-admin create-list --id announce --address announce@example.com --name "Announcements" --mode broadcast
  mailgrove-admin add-subscriber --list announce --email bob@example.com
  mailgrove-admin add-subscriber --list all --email announce@example.com --type list
  mailgrove-admin status --days 30

Use 'mailgrove-admin <command> --help' for more information about a command.
`)
}

// dbFlags registers the shared database override flags on fs and returns a
// closure that applies them over the loaded configuration.
func dbFlags(fs *flag.FlagSet) func(*config.Config) {
	dbHost := fs.String("dbhost", "", "Database host (overrides config)")
	dbPort := fs.String("dbport", "", "Database port (overrides config)")
	dbUser := fs.String("dbuser", "", "Database user (overrides config)")
	dbPassword := fs.String("dbpassword", "", "Database password (overrides config)")
	dbName := fs.String("dbname", "", "Database name (overrides config)")
	dbTLS := fs.Bool("dbtls", false, "Enable TLS for database connection (overrides config)")

	return func(cfg *config.Config) {
		if isFlagSet(fs, "dbhost") {
			cfg.Database.Host = *dbHost
		}
		if isFlagSet(fs, "dbport") {
			cfg.Database.Port = *dbPort
		}
		if isFlagSet(fs, "dbuser") {
			cfg.Database.User = *dbUser
		}
		if isFlagSet(fs, "dbpassword") {
			cfg.Database.Password = *dbPassword
		}
		if isFlagSet(fs, "dbname") {
			cfg.Database.Name = *dbName
		}
		if isFlagSet(fs, "dbtls") {
			cfg.Database.TLSMode = *dbTLS
		}
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// connect loads the configuration file, applies database overrides and
// opens the pool. The caller must Close the returned database.
func connect(configPath string, fs *flag.FlagSet, apply func(*config.Config)) *db.Database {
	cfg, found, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	if !found && isFlagSet(fs, "config") {
		log.Fatalf("ERROR: specified configuration file '%s' not found", configPath)
	}
	apply(&cfg)

	database, err := db.NewDatabase(context.Background(),
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.User, cfg.Database.Password, cfg.Database.Name,
		cfg.Database.TLSMode, false, nil)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return database
}

func handleCreateList() {
	fs := flag.NewFlagSet("create-list", flag.ExitOnError)

	configPath := fs.String("config", "mailgrove.toml", "Path to TOML configuration file")
	id := fs.String("id", "", "Short identifier for the list (required)")
	address := fs.String("address", "", "Email address of the list (required)")
	name := fs.String("name", "", "Display name used in From headers")
	mode := fs.String("mode", "broadcast", "List mode: broadcast or group")
	fromAddr := fs.String("from", "", "Fixed From address for broadcast lists (optional)")
	allowedSenders := fs.String("allowed-senders", "", "Comma-separated addresses allowed to post")
	senderAuth := fs.String("sender-auth", "", "Comma-separated plus-suffix tokens that authorize posting")
	onlySubscribers := fs.Bool("only-subscribers-send", false, "Restrict group posting to subscribers")
	avoidDuplicates := fs.Bool("avoid-duplicates", false, "Skip recipients already addressed in To or Cc")

	imapHost := fs.String("imap-host", "", "IMAP host for the list mailbox")
	imapPort := fs.Int("imap-port", 993, "IMAP port")
	imapUser := fs.String("imap-user", "", "IMAP user")
	imapPassword := fs.String("imap-password", "", "IMAP password")
	imapTLS := fs.Bool("imap-tls", true, "Use implicit TLS for IMAP")

	smtpHost := fs.String("smtp-host", "", "SMTP host for outgoing mail")
	smtpPort := fs.Int("smtp-port", 587, "SMTP port")
	smtpUser := fs.String("smtp-user", "", "SMTP user")
	smtpPassword := fs.String("smtp-password", "", "SMTP password")
	smtpStartTLS := fs.Bool("smtp-starttls", true, "Use STARTTLS for SMTP")

	applyDB := dbFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	if *id == "" || *address == "" {
		fmt.Printf("Error: --id and --address are required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *mode != string(db.ListModeBroadcast) && *mode != string(db.ListModeGroup) {
		fmt.Printf("Error: --mode must be broadcast or group\n\n")
		fs.Usage()
		os.Exit(1)
	}

	database := connect(*configPath, fs, applyDB)
	defer database.Close()

	list := &db.MailingList{
		ID:                  *id,
		Address:             strings.ToLower(*address),
		Name:                *name,
		Mode:                db.ListMode(*mode),
		FromAddr:            *fromAddr,
		AvoidDuplicates:     *avoidDuplicates,
		OnlySubscribersSend: *onlySubscribers,
		AllowedSenders:      splitList(*allowedSenders),
		SenderAuth:          splitList(*senderAuth),
		IMAPHost:            *imapHost,
		IMAPPort:            *imapPort,
		IMAPUser:            *imapUser,
		IMAPPassword:        *imapPassword,
		IMAPTLS:             *imapTLS,
		SMTPHost:            *smtpHost,
		SMTPPort:            *smtpPort,
		SMTPUser:            *smtpUser,
		SMTPPassword:        *smtpPassword,
		SMTPStartTLS:        *smtpStartTLS,
	}

	if err := database.CreateMailingList(context.Background(), list); err != nil {
		log.Fatalf("Failed to create list: %v", err)
	}
	fmt.Printf("Successfully created list %s (%s)\n", list.ID, list.Address)
}

func handleDeactivateList() {
	fs := flag.NewFlagSet("deactivate-list", flag.ExitOnError)
	configPath := fs.String("config", "mailgrove.toml", "Path to TOML configuration file")
	id := fs.String("id", "", "Identifier of the list to deactivate (required)")
	applyDB := dbFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *id == "" {
		fmt.Printf("Error: --id is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	database := connect(*configPath, fs, applyDB)
	defer database.Close()

	if err := database.DeactivateMailingList(context.Background(), *id); err != nil {
		log.Fatalf("Failed to deactivate list: %v", err)
	}
	fmt.Printf("Successfully deactivated list %s\n", *id)
}

func handleListLists() {
	fs := flag.NewFlagSet("list-lists", flag.ExitOnError)
	configPath := fs.String("config", "mailgrove.toml", "Path to TOML configuration file")
	all := fs.Bool("all", false, "Include deactivated lists")
	applyDB := dbFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	database := connect(*configPath, fs, applyDB)
	defer database.Close()

	ctx := context.Background()
	var lists []*db.MailingList
	var err error
	if *all {
		lists, err = database.ListAllMailingLists(ctx)
	} else {
		lists, err = database.ListActiveMailingLists(ctx)
	}
	if err != nil {
		log.Fatalf("Failed to load lists: %v", err)
	}

	if len(lists) == 0 {
		fmt.Println("No lists configured.")
		return
	}
	for _, l := range lists {
		count, err := database.CountSubscribers(ctx, l.ID)
		if err != nil {
			log.Fatalf("Failed to count subscribers of %s: %v", l.ID, err)
		}
		state := "active"
		if l.Deleted {
			state = "deactivated"
		}
		fmt.Printf("%-20s %-35s %-10s %-12s %d subscriber(s)\n", l.ID, l.Address, l.Mode, state, count)
	}
}

func handleAddSubscriber() {
	fs := flag.NewFlagSet("add-subscriber", flag.ExitOnError)
	configPath := fs.String("config", "mailgrove.toml", "Path to TOML configuration file")
	listID := fs.String("list", "", "Identifier of the list (required)")
	email := fs.String("email", "", "Subscriber email address (required)")
	name := fs.String("subscriber-name", "", "Display name of the subscriber")
	comment := fs.String("comment", "", "Free-form note on the subscription")
	subType := fs.String("type", "normal", "Subscriber type: normal, or list when the address is another configured list")
	applyDB := dbFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *listID == "" || *email == "" {
		fmt.Printf("Error: --list and --email are required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if *subType != string(db.SubscriberTypeNormal) && *subType != string(db.SubscriberTypeList) {
		fmt.Printf("Error: --type must be normal or list\n\n")
		fs.Usage()
		os.Exit(1)
	}

	database := connect(*configPath, fs, applyDB)
	defer database.Close()

	sub := &db.Subscriber{
		ListID:  *listID,
		Email:   *email,
		Name:    *name,
		Comment: *comment,
		Type:    db.SubscriberType(*subType),
	}
	if err := database.AddSubscriber(context.Background(), sub); err != nil {
		log.Fatalf("Failed to add subscriber: %v", err)
	}
	fmt.Printf("Successfully added %s to list %s\n", sub.Email, *listID)
}

func handleRemoveSubscriber() {
	fs := flag.NewFlagSet("remove-subscriber", flag.ExitOnError)
	configPath := fs.String("config", "mailgrove.toml", "Path to TOML configuration file")
	listID := fs.String("list", "", "Identifier of the list (required)")
	email := fs.String("email", "", "Subscriber email address (required)")
	applyDB := dbFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *listID == "" || *email == "" {
		fmt.Printf("Error: --list and --email are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	database := connect(*configPath, fs, applyDB)
	defer database.Close()

	if err := database.RemoveSubscriber(context.Background(), *listID, *email); err != nil {
		log.Fatalf("Failed to remove subscriber: %v", err)
	}
	fmt.Printf("Successfully removed %s from list %s\n", *email, *listID)
}

func handleListSubscribers() {
	fs := flag.NewFlagSet("list-subscribers", flag.ExitOnError)
	configPath := fs.String("config", "mailgrove.toml", "Path to TOML configuration file")
	listID := fs.String("list", "", "Identifier of the list (required)")
	applyDB := dbFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}
	if *listID == "" {
		fmt.Printf("Error: --list is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	database := connect(*configPath, fs, applyDB)
	defer database.Close()

	subs, err := database.GetSubscribers(context.Background(), *listID)
	if err != nil {
		log.Fatalf("Failed to load subscribers: %v", err)
	}
	if len(subs) == 0 {
		fmt.Printf("List %s has no subscribers.\n", *listID)
		return
	}
	for _, s := range subs {
		line := s.Email
		if s.Type == db.SubscriberTypeList {
			line += " (list)"
		}
		if s.Name != "" {
			line += "  " + s.Name
		}
		if s.Comment != "" {
			line += "  # " + s.Comment
		}
		fmt.Println(line)
	}
}

func handleStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "mailgrove.toml", "Path to TOML configuration file")
	days := fs.Int("days", 7, "Window in days for the recent message counts")
	applyDB := dbFlags(fs)

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	database := connect(*configPath, fs, applyDB)
	defer database.Close()

	report, err := database.GetStatusReport(context.Background(), *days)
	if err != nil {
		log.Fatalf("Failed to build status report: %v", err)
	}

	fmt.Printf("Mailgrove status, generated %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Lists:        %d active, %d deactivated\n", report.ActiveLists, report.DeactivatedLists)
	fmt.Printf("Subscribers:  %d\n", report.Subscribers)
	fmt.Printf("Sent:         %d list-send(s)\n\n", report.MessagesSent)

	fmt.Printf("Incoming messages by status (all time / last %d days):\n", report.ReportDays)
	statuses := make([]string, 0, len(report.MessagesByStatus))
	for s := range report.MessagesByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	if len(statuses) == 0 {
		fmt.Println("  none recorded")
	}
	for _, s := range statuses {
		total := report.MessagesByStatus[db.MessageStatus(s)]
		recent := report.MessagesLastDays[db.MessageStatus(s)]
		fmt.Printf("  %-30s %6d / %d\n", s, total, recent)
	}

	if len(report.RecentMessageIDs) > 0 {
		fmt.Println("\nMost recent message ids:")
		for _, id := range report.RecentMessageIDs {
			fmt.Printf("  %s\n", id)
		}
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
