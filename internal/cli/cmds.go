package cli

func regCommands() {
	//Outbox
	outboxCmd.AddCommand(outbox_failedCmd)
	outboxCmd.AddCommand(outbox_redriveCmd)

	//Config
	configCmd.AddCommand(config_showCmd)

	//Root
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(withdrawalsCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(homenetSimCmd)
}
